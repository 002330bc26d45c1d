package replication

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/INLOpen/wellrelay/core"
)

// ErrNoCursor means the remote did not report the last identifier it holds.
var ErrNoCursor = errors.New("remote returned no cursor")

// Event names shared with the remote consumer.
const (
	EventWell          = "well"
	EventProcessBatch  = "process-batch"
	EventProcessSample = "process-sample"
)

var cursorEvents = map[core.StreamKind]string{
	core.StreamComments:         "last-comment-id",
	core.StreamCommentsDeleted:  "last-comment-deleted-id",
	core.StreamMasterLog:        "last-masterlog-id",
	core.StreamMasterLogDeleted: "last-masterlog-deleted-id",
}

// CursorEvent returns the event that asks the remote for the last identifier
// it holds on kind.
func CursorEvent(kind core.StreamKind) string {
	return cursorEvents[kind]
}

// FetchCursor asks the remote for the highest identifier of kind it already
// holds. The ack data must be a map with a maxId entry; a nil maxId means
// the remote holds nothing yet.
func FetchCursor(ctx context.Context, ch core.Channel, wellID int64, kind core.StreamKind) (int64, error) {
	event := CursorEvent(kind)
	if event == "" {
		return 0, fmt.Errorf("unknown stream %q", kind)
	}
	ack, err := ch.RequestWithAck(ctx, event, wellID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", event, err)
	}
	if !ack.OK() {
		return 0, fmt.Errorf("%w: %s answered %s", ErrNoCursor, event, ack)
	}
	var data map[string]any
	if err := ack.Decode(&data); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNoCursor, event, err)
	}
	raw, ok := data["maxId"]
	if !ok {
		return 0, fmt.Errorf("%w: %s answered without maxId", ErrNoCursor, event)
	}
	id, err := toInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNoCursor, event, err)
	}
	return id, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("maxId %d overflows int64", n)
		}
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		if n == "" {
			return 0, nil
		}
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported maxId type %T", v)
	}
}

// TransferDelta runs one cycle of a delta stream: fetch the remote cursor,
// read every newer row and send them in batches on the stream's event.
func TransferDelta(ctx context.Context, p *Pipeline, ch core.Channel, repo core.SourceRepository, kind core.StreamKind, batchSize int) error {
	cursor, err := FetchCursor(ctx, ch, p.wellID, kind)
	if err != nil {
		p.metrics.CursorErrorsTotal.Add(1)
		return fmt.Errorf("%s: %w", kind, err)
	}
	return Run(ctx, p, ch, Job[core.DeltaRecord]{
		Name:      kind.String(),
		Event:     kind.String(),
		BatchSize: batchSize,
		Fetch: func(ctx context.Context) ([]core.DeltaRecord, error) {
			return repo.GetDeltaRecords(ctx, kind, cursor)
		},
	})
}
