package core

import (
	"context"
)

// SourceRepository is the engine's view of the transactional source store.
// One repository is bound to one well; implementations must be safe for
// concurrent use because every stream polls it independently.
type SourceRepository interface {
	// GetWellByID returns ErrNotFound when no well has the given id.
	GetWellByID(ctx context.Context, id int64) (*Well, error)
	// GetDeltaRecords returns the rows of kind with an identifier strictly
	// greater than sinceID, in ascending identifier order.
	GetDeltaRecords(ctx context.Context, kind StreamKind, sinceID int64) ([]DeltaRecord, error)
	// GetLatestSample returns nil, nil when the well has no sample yet.
	GetLatestSample(ctx context.Context) (*LiveSample, error)

	CountFailedRecords(ctx context.Context, endpoint string) (int, error)
	GetFailedRecordsPage(ctx context.Context, endpoint string, offset, pageSize int) ([]FailedRecord, error)
	// DeleteFailedRecords removes exactly the given records for endpoint.
	DeleteFailedRecords(ctx context.Context, endpoint string, records []FailedRecord) error
	SaveFailedRecord(ctx context.Context, rec FailedRecord) error

	Close() error
}

// Compressor frames a serialised payload for the wire.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// Channel is what the replication engine sends through. A Channel is bound
// to one connection; once that connection is gone every call fails.
type Channel interface {
	// RequestWithAck sends event and blocks until the remote acknowledges.
	// A negative acknowledgement is returned as a failed Ack, not an error.
	RequestWithAck(ctx context.Context, event string, args ...any) (Ack, error)
	// Emit sends event without waiting for an acknowledgement.
	Emit(ctx context.Context, event string, args ...any) error
	Connected() bool
}
