package core

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamKind identifies one of the cursor-driven delta streams.
type StreamKind string

const (
	StreamComments         StreamKind = "comments"
	StreamCommentsDeleted  StreamKind = "comments-deleted"
	StreamMasterLog        StreamKind = "masterlog"
	StreamMasterLogDeleted StreamKind = "masterlog-deleted"
)

// DeltaStreams lists the delta streams in the order they are armed.
var DeltaStreams = []StreamKind{
	StreamComments,
	StreamCommentsDeleted,
	StreamMasterLog,
	StreamMasterLogDeleted,
}

func (k StreamKind) String() string { return string(k) }

// Valid reports whether k is one of the known delta streams.
func (k StreamKind) Valid() bool {
	for _, s := range DeltaStreams {
		if s == k {
			return true
		}
	}
	return false
}

// Well is the physical entity whose data is replicated. Attributes hold the
// source row verbatim and are pushed as-is.
type Well struct {
	ID         int64
	ParentID   *int64
	Attributes map[string]any
}

// HasParent reports whether the well is attached to a parent well.
func (w *Well) HasParent() bool {
	return w != nil && w.ParentID != nil && *w.ParentID != 0
}

// Payload returns the record pushed on the well event. When connected is
// true the record is tagged as belonging to a connected peer.
func (w *Well) Payload(connected bool) map[string]any {
	out := make(map[string]any, len(w.Attributes)+3)
	for k, v := range w.Attributes {
		out[k] = v
	}
	out["WellID"] = w.ID
	if w.ParentID != nil {
		out["WellParentId"] = *w.ParentID
	}
	if connected {
		out["socketIsConnected"] = true
	}
	return out
}

// DeltaRecord is one row of a delta stream. Only ID is interpreted.
type DeltaRecord struct {
	ID     int64
	Fields map[string]any
}

// MarshalJSON writes the source row. Rows without fields (deletion logs)
// serialise as their bare identifier.
func (r DeltaRecord) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		return json.Marshal(r.ID)
	}
	return json.Marshal(r.Fields)
}

// LiveSample is the most recent process measurement of the well.
type LiveSample struct {
	Code      int64
	Timestamp time.Time
	Fields    map[string]any
}

// Payload returns the sample as a flat record.
func (s *LiveSample) Payload() map[string]any {
	out := make(map[string]any, len(s.Fields)+2)
	for k, v := range s.Fields {
		out[k] = v
	}
	if _, ok := out["code"]; !ok {
		out["code"] = s.Code
	}
	if _, ok := out["dater"]; !ok {
		out["dater"] = s.Timestamp
	}
	return out
}

func (s *LiveSample) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Payload())
}

// FailedRecord marks a sample that could not be delivered to ServerInfo.
type FailedRecord struct {
	Code        int64
	Timestamp   time.Time
	ServerInfo  string
	IsMasterLog bool
	// Fields carries the columns returned by the page query, if any.
	Fields map[string]any
}

func (r FailedRecord) MarshalJSON() ([]byte, error) {
	if r.Fields != nil {
		return json.Marshal(r.Fields)
	}
	return json.Marshal(map[string]any{
		"Code":  r.Code,
		"DateR": r.Timestamp,
	})
}

// AckStatus tags the outcome of an acknowledged request.
type AckStatus uint8

const (
	AckFailure AckStatus = iota
	AckSuccess
)

func (s AckStatus) String() string {
	if s == AckSuccess {
		return "success"
	}
	return "failure"
}

// Ack is the remote side's answer to an acknowledged request.
type Ack struct {
	Status AckStatus
	Reason string
	Data   msgpack.RawMessage
}

// AckOK builds a successful ack carrying optional raw data.
func AckOK(data msgpack.RawMessage) Ack {
	return Ack{Status: AckSuccess, Data: data}
}

// AckFailed builds a negative ack.
func AckFailed(reason string) Ack {
	return Ack{Status: AckFailure, Reason: reason}
}

// OK reports whether the remote confirmed the request.
func (a Ack) OK() bool { return a.Status == AckSuccess }

// Decode unmarshals the ack data into v.
func (a Ack) Decode(v any) error {
	if len(a.Data) == 0 {
		return fmt.Errorf("ack carries no data")
	}
	return msgpack.Unmarshal(a.Data, v)
}

func (a Ack) String() string {
	if a.OK() {
		return "ack(success)"
	}
	if a.Reason == "" {
		return "ack(failure)"
	}
	return "ack(failure: " + a.Reason + ")"
}
