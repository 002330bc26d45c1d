package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/wellrelay/core"
)

// ErrFakeDisconnected is returned by a RecordingChannel that is not connected.
var ErrFakeDisconnected = errors.New("fake channel disconnected")

// Call is one request made on a RecordingChannel.
type Call struct {
	Event    string
	Args     []any
	WantsAck bool
}

// Responder produces the answer to an acknowledged request.
type Responder func(call Call) (core.Ack, error)

// RecordingChannel is a core.Channel that records every call and answers
// acks through a Responder. Without a responder every ack succeeds.
type RecordingChannel struct {
	connected atomic.Bool

	mu        sync.Mutex
	calls     []Call
	responder Responder
}

var _ core.Channel = (*RecordingChannel)(nil)

func NewRecordingChannel(connected bool) *RecordingChannel {
	c := &RecordingChannel{}
	c.connected.Store(connected)
	return c
}

func (c *RecordingChannel) SetConnected(v bool) { c.connected.Store(v) }

func (c *RecordingChannel) Respond(r Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = r
}

func (c *RecordingChannel) Connected() bool { return c.connected.Load() }

// Calls returns the recorded calls for event, or all when event is empty.
func (c *RecordingChannel) Calls(event string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if event == "" || call.Event == event {
			out = append(out, call)
		}
	}
	return out
}

func (c *RecordingChannel) Emit(_ context.Context, event string, args ...any) error {
	if !c.Connected() {
		return ErrFakeDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Event: event, Args: args})
	return nil
}

func (c *RecordingChannel) RequestWithAck(ctx context.Context, event string, args ...any) (core.Ack, error) {
	if !c.Connected() {
		return core.Ack{}, ErrFakeDisconnected
	}
	if err := ctx.Err(); err != nil {
		return core.Ack{}, err
	}
	call := Call{Event: event, Args: args, WantsAck: true}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	responder := c.responder
	c.mu.Unlock()
	if responder == nil {
		return core.AckOK(nil), nil
	}
	return responder(call)
}
