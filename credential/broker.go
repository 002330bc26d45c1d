// Package credential obtains bearer tokens for the remote consumers.
package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoginPath is appended to the endpoint URL for token requests.
const LoginPath = "/api/v1/auth/login"

// DefaultRetryInterval is used when Options.RetryInterval is not positive.
const DefaultRetryInterval = 5 * time.Second

var errEmptyToken = errors.New("login succeeded without a token")

// Options configures a Broker.
type Options struct {
	// Endpoint is the consumer base URL, e.g. https://host:443.
	Endpoint      string
	Username      string
	Password      string
	RetryInterval time.Duration
	HTTPClient    *http.Client
	// After waits between attempts. Defaults to time.After.
	After  func(time.Duration) <-chan time.Time
	Logger *slog.Logger
}

// Broker acquires and caches the access token of one endpoint.
type Broker struct {
	opts   Options
	client *http.Client
	after  func(time.Duration) <-chan time.Time
	logger *slog.Logger

	group    singleflight.Group
	mu       sync.Mutex
	token    string
	attempts atomic.Uint64
}

// NewBroker creates a broker for a single endpoint.
func NewBroker(opts Options) *Broker {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	after := opts.After
	if after == nil {
		after = time.After
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		opts:   opts,
		client: client,
		after:  after,
		logger: logger.With("component", "CredentialBroker", "endpoint", opts.Endpoint),
	}
}

// Token returns the cached token, acquiring one first if needed. Concurrent
// callers share a single acquisition.
func (b *Broker) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	tok := b.token
	b.mu.Unlock()
	if tok != "" {
		return tok, nil
	}

	ch := b.group.DoChan("token", func() (any, error) {
		return b.Acquire(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token so the next Token call logs in again.
func (b *Broker) Invalidate() {
	b.mu.Lock()
	b.token = ""
	b.mu.Unlock()
}

// Attempts returns the number of login requests made so far.
func (b *Broker) Attempts() uint64 {
	return b.attempts.Load()
}

// Acquire logs in, retrying at a fixed interval until it succeeds. The only
// error returned is the context's.
func (b *Broker) Acquire(ctx context.Context) (string, error) {
	for {
		tok, err := b.Login(ctx)
		if err == nil {
			b.mu.Lock()
			b.token = tok
			b.mu.Unlock()
			b.logger.Info("Access token acquired", "attempts", b.attempts.Load())
			return tok, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.logger.Warn("Failed to acquire access token, retrying", "error", err, "retry_in", b.opts.RetryInterval)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.after(b.opts.RetryInterval):
		}
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Login performs a single login attempt.
func (b *Broker) Login(ctx context.Context) (string, error) {
	b.attempts.Add(1)

	body, err := json.Marshal(loginRequest{Username: b.opts.Username, Password: b.opts.Password})
	if err != nil {
		return "", fmt.Errorf("failed to encode login request: %w", err)
	}
	url := strings.TrimRight(b.opts.Endpoint, "/") + LoginPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if !lr.Success {
		if lr.Message != "" {
			return "", fmt.Errorf("login unsuccessful: %s", lr.Message)
		}
		return "", errors.New("login unsuccessful")
	}
	if lr.Data.Token == "" {
		return "", errEmptyToken
	}
	return lr.Data.Token, nil
}
