// Package channel maintains a persistent, self-reconnecting websocket session
// to one remote consumer and exposes request/acknowledge and fire-and-forget
// messaging over it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/wellrelay/core"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

var (
	// ErrDisconnected is returned when the connection a request was issued on
	// is lost before the request completes.
	ErrDisconnected = errors.New("channel disconnected")
	// ErrStaleSession is returned by a handle that belongs to a connection
	// which is no longer current. Nothing is sent.
	ErrStaleSession = errors.New("stale channel session")
)

const DefaultPath = "/secure-ws"

// TokenSource supplies the bearer token presented on every dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate is called when the remote rejects the token.
	Invalidate()
}

// Options configures a Session.
type Options struct {
	// Name labels the session in logs, e.g. "destination" or "local".
	Name string
	// URL is the endpoint base, http(s)://host:port. ws and wss are accepted too.
	URL      string
	Path     string
	EntityID int64
	Tokens   TokenSource
	Dialer   *websocket.Dialer

	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// AckTimeout bounds RequestWithAck; zero waits until the connection drops.
	AckTimeout time.Duration
	// SendBuffer is the number of outbound frames queued per connection.
	SendBuffer int

	Logger *slog.Logger
}

// Handlers receive the session lifecycle events. Nil handlers are skipped.
// OnConnect runs on the session goroutine while the connection is already
// serving reads, so it may issue requests.
type Handlers struct {
	OnConnect    func(h *Handle)
	OnDisconnect func()
	OnError      func(err error)
}

// Session owns the connection to one endpoint and redials it until Run's
// context is cancelled.
type Session struct {
	opts     Options
	handlers Handlers
	dialer   *websocket.Dialer
	logger   *slog.Logger

	generation atomic.Uint64
	mu         sync.RWMutex
	current    *Handle
}

var _ core.Channel = (*Session)(nil)

// NewSession validates opts and prepares a session. No connection is made
// until Run.
func NewSession(opts Options, handlers Handlers) (*Session, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("channel: empty endpoint URL")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("channel: token source is required")
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * opts.ReconnectMin
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Name == "" {
		opts.Name = opts.URL
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := dialURL(opts); err != nil {
		return nil, err
	}
	return &Session{
		opts:     opts,
		handlers: handlers,
		dialer:   dialer,
		logger:   logger.With("component", "ChannelSession", "channel", opts.Name),
	}, nil
}

func dialURL(opts Options) (string, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("channel: invalid endpoint URL %q: %w", opts.URL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + opts.Path
	q := u.Query()
	q.Set("wellId", strconv.FormatInt(opts.EntityID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Current returns the live handle, or nil while disconnected.
func (s *Session) Current() *Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Connected reports whether a connection is established.
func (s *Session) Connected() bool {
	h := s.Current()
	return h != nil && h.Connected()
}

// Generation is the generation of the most recent connection.
func (s *Session) Generation() uint64 {
	return s.generation.Load()
}

// Emit sends on the current connection without waiting for an ack.
func (s *Session) Emit(ctx context.Context, event string, args ...any) error {
	h := s.Current()
	if h == nil {
		return ErrDisconnected
	}
	return h.Emit(ctx, event, args...)
}

// RequestWithAck sends on the current connection and waits for the ack.
func (s *Session) RequestWithAck(ctx context.Context, event string, args ...any) (core.Ack, error) {
	h := s.Current()
	if h == nil {
		return core.Ack{}, ErrDisconnected
	}
	return h.RequestWithAck(ctx, event, args...)
}

// Run dials, serves and redials until ctx is cancelled. Retries are spaced
// by an exponential backoff that resets after every successful connection.
func (s *Session) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectMin
	bo.MaxInterval = s.opts.ReconnectMax
	bo.Reset()

	for {
		connected, err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		if err != nil {
			s.logger.Warn("Channel error", "error", err)
			if s.handlers.OnError != nil {
				s.handlers.OnError(err)
			}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.opts.ReconnectMax
		}
		s.logger.Debug("Reconnecting", "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// serveOnce dials once and, on success, blocks until the connection ends.
func (s *Session) serveOnce(ctx context.Context) (bool, error) {
	token, err := s.opts.Tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to obtain token: %w", err)
	}

	target, _ := dialURL(s.opts)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	wc, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			s.opts.Tokens.Invalidate()
			return false, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	h := newHandle(s, s.generation.Add(1), wc)
	s.mu.Lock()
	s.current = h
	s.mu.Unlock()
	h.start()
	s.logger.Info("Channel connected", "generation", h.gen, "connection_id", h.id)

	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect(h)
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		h.close(ErrDisconnected)
	}

	s.mu.Lock()
	if s.current == h {
		s.current = nil
	}
	s.mu.Unlock()
	s.logger.Info("Channel disconnected", "generation", h.gen, "reason", h.Err())

	if s.handlers.OnDisconnect != nil {
		s.handlers.OnDisconnect()
	}

	cause := h.Err()
	if errors.Is(cause, ErrDisconnected) || isNormalClose(cause) {
		return true, nil
	}
	return true, cause
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
