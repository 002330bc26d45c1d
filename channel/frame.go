package channel

import (
	"fmt"

	"github.com/INLOpen/wellrelay/core"
	"github.com/vmihailenco/msgpack/v5"
)

// FrameType distinguishes event frames from acknowledgements.
type FrameType uint8

const (
	FrameEvent FrameType = 1
	FrameAck   FrameType = 2
)

// Frame is the unit carried by one binary websocket message.
//
// An event frame carries Event and Args, and an ID when the sender wants an
// acknowledgement. An ack frame echoes that ID with OK, an optional Err
// reason and optional Data.
type Frame struct {
	Type  FrameType            `msgpack:"t"`
	ID    uint64               `msgpack:"id,omitempty"`
	Event string               `msgpack:"ev,omitempty"`
	Args  []msgpack.RawMessage `msgpack:"args,omitempty"`
	OK    bool                 `msgpack:"ok,omitempty"`
	Err   string               `msgpack:"err,omitempty"`
	Data  msgpack.RawMessage   `msgpack:"data,omitempty"`
}

// NewEventFrame encodes args one by one so the receiver can decode each
// argument into its own type.
func NewEventFrame(id uint64, event string, args ...any) (*Frame, error) {
	f := &Frame{Type: FrameEvent, ID: id, Event: event}
	if len(args) > 0 {
		f.Args = make([]msgpack.RawMessage, len(args))
	}
	for i, arg := range args {
		raw, err := msgpack.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d of %s: %w", i, event, err)
		}
		f.Args[i] = raw
	}
	return f, nil
}

// NewAckFrame builds the answer to event frame id. A nil data value is
// omitted.
func NewAckFrame(id uint64, ok bool, reason string, data any) (*Frame, error) {
	f := &Frame{Type: FrameAck, ID: id, OK: ok, Err: reason}
	if data != nil {
		raw, err := msgpack.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ack data: %w", err)
		}
		f.Data = raw
	}
	return f, nil
}

// DecodeArg unmarshals argument i into v.
func (f *Frame) DecodeArg(i int, v any) error {
	if i < 0 || i >= len(f.Args) {
		return fmt.Errorf("event %s has no argument %d", f.Event, i)
	}
	return msgpack.Unmarshal(f.Args[i], v)
}

// Ack converts an ack frame into the tagged result handed to callers.
func (f *Frame) Ack() core.Ack {
	if f.OK {
		return core.AckOK(f.Data)
	}
	a := core.AckFailed(f.Err)
	a.Data = f.Data
	return a
}

// EncodeFrame serialises f for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeFrame parses one wire message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	switch f.Type {
	case FrameEvent:
		if f.Event == "" {
			return nil, fmt.Errorf("event frame without event name")
		}
	case FrameAck:
		if f.ID == 0 {
			return nil, fmt.Errorf("ack frame without id")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %d", f.Type)
	}
	return &f, nil
}
