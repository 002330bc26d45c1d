package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/wellrelay/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 20
)

// Handle is one established connection. It stays usable only while it is
// the session's current connection; afterwards every call returns
// ErrStaleSession without touching the wire.
type Handle struct {
	session *Session
	gen     uint64
	id      string
	wc      *websocket.Conn
	logger  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan core.Ack
}

var _ core.Channel = (*Handle)(nil)

func newHandle(s *Session, gen uint64, wc *websocket.Conn) *Handle {
	id := uuid.NewString()
	return &Handle{
		session: s,
		gen:     gen,
		id:      id,
		wc:      wc,
		logger:  s.logger.With("generation", gen, "connection_id", id),
		send:    make(chan []byte, s.opts.SendBuffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan core.Ack),
	}
}

// Generation increases by one with every successful dial of the session.
func (h *Handle) Generation() uint64 { return h.gen }

// ID uniquely identifies the connection in logs.
func (h *Handle) ID() string { return h.id }

// Done is closed when the connection ends.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the reason the connection ended, nil while it is open.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Handle) stale() bool {
	return h.session.Current() != h
}

// Connected reports whether the handle is current and open.
func (h *Handle) Connected() bool {
	if h.stale() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Emit sends event without requesting an acknowledgement.
func (h *Handle) Emit(ctx context.Context, event string, args ...any) error {
	if h.stale() {
		return ErrStaleSession
	}
	f, err := NewEventFrame(0, event, args...)
	if err != nil {
		return err
	}
	return h.enqueue(ctx, f)
}

// RequestWithAck sends event and blocks until the remote acknowledges it.
// A negative acknowledgement is reported through the returned Ack, not as an
// error.
func (h *Handle) RequestWithAck(ctx context.Context, event string, args ...any) (core.Ack, error) {
	if h.stale() {
		return core.Ack{}, ErrStaleSession
	}
	id := h.nextID.Add(1)
	f, err := NewEventFrame(id, event, args...)
	if err != nil {
		return core.Ack{}, err
	}

	wait := make(chan core.Ack, 1)
	h.mu.Lock()
	h.pending[id] = wait
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := h.enqueue(ctx, f); err != nil {
		return core.Ack{}, err
	}

	var timeout <-chan time.Time
	if d := h.session.opts.AckTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ack := <-wait:
		return ack, nil
	case <-h.done:
		// An ack may have raced with the close.
		select {
		case ack := <-wait:
			return ack, nil
		default:
		}
		return core.Ack{}, ErrDisconnected
	case <-ctx.Done():
		return core.Ack{}, ctx.Err()
	case <-timeout:
		return core.Ack{}, fmt.Errorf("no ack for %s within %s", event, h.session.opts.AckTimeout)
	}
}

func (h *Handle) enqueue(ctx context.Context, f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Event, err)
	}
	select {
	case <-h.done:
		return ErrDisconnected
	default:
	}
	select {
	case h.send <- data:
		return nil
	case <-h.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) start() {
	go h.writePump()
	go h.readPump()
}

func (h *Handle) close(err error) {
	h.closeOnce.Do(func() {
		h.errMu.Lock()
		h.err = err
		h.errMu.Unlock()
		close(h.done)
		_ = h.wc.Close()
	})
}

func (h *Handle) pongWait() time.Duration {
	return h.session.opts.PingInterval * 10 / 9
}

func (h *Handle) readPump() {
	h.wc.SetReadLimit(maxMessageSize)
	if ping := h.session.opts.PingInterval; ping > 0 {
		_ = h.wc.SetReadDeadline(time.Now().Add(h.pongWait()))
		h.wc.SetPongHandler(func(string) error {
			return h.wc.SetReadDeadline(time.Now().Add(h.pongWait()))
		})
	}

	for {
		msgType, data, err := h.wc.ReadMessage()
		if err != nil {
			h.close(err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := DecodeFrame(data)
		if err != nil {
			h.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		switch f.Type {
		case FrameAck:
			h.mu.Lock()
			wait, ok := h.pending[f.ID]
			h.mu.Unlock()
			if !ok {
				h.logger.Debug("Ack for unknown request", "id", f.ID)
				continue
			}
			select {
			case wait <- f.Ack():
			default:
				h.logger.Debug("Duplicate ack", "id", f.ID)
			}
		case FrameEvent:
			h.logger.Debug("Ignoring inbound event", "event", f.Event)
		}
	}
}

func (h *Handle) writePump() {
	var pings <-chan time.Time
	if ping := h.session.opts.PingInterval; ping > 0 {
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case data := <-h.send:
			_ = h.wc.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.wc.WriteMessage(websocket.BinaryMessage, data); err != nil {
				h.close(fmt.Errorf("write failed: %w", err))
				return
			}
		case <-pings:
			if err := h.wc.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.close(fmt.Errorf("ping failed: %w", err))
				return
			}
		case <-h.done:
			_ = h.wc.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
