package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/wellrelay/channel"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/bcrypt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AckFunc decides the answer to an event that requested an ack.
type AckFunc func(f *channel.Frame) (ok bool, reason string, data any)

// Received is one event frame seen by the consumer.
type Received struct {
	Event      string
	Args       []msgpack.RawMessage
	WantedAck  bool
	Connection int
}

// DecodeArg unmarshals argument i of the event into v.
func (r Received) DecodeArg(i int, v any) error {
	f := channel.Frame{Event: r.Event, Args: r.Args}
	return f.DecodeArg(i, v)
}

// Consumer is an in-process stand-in for a remote consumer: a login endpoint
// backed by a bcrypt hash and a websocket endpoint that records every frame
// and acknowledges on demand.
type Consumer struct {
	username     string
	passwordHash []byte
	token        string

	server   *httptest.Server
	upgrader websocket.Upgrader

	loginAttempts atomic.Int32
	dials         atomic.Int32
	rejectDials   atomic.Bool

	mu       sync.Mutex
	handlers map[string]AckFunc
	events   []Received
	conns    map[*websocket.Conn]int
	queries  []string
	changed  chan struct{}
}

// NewConsumer starts a consumer accepting the given credentials.
func NewConsumer(username, password string) *Consumer {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	c := &Consumer{
		username:     username,
		passwordHash: hash,
		token:        uuid.NewString(),
		handlers:     make(map[string]AckFunc),
		conns:        make(map[*websocket.Conn]int),
		changed:      make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", c.handleLogin)
	mux.HandleFunc(channel.DefaultPath, c.handleSocket)
	c.server = httptest.NewServer(mux)
	return c
}

// URL is the consumer's http base URL.
func (c *Consumer) URL() string { return c.server.URL }

// Token is the bearer token handed out on login.
func (c *Consumer) Token() string { return c.token }

// Close drops every connection and stops the server.
func (c *Consumer) Close() {
	c.DropConnections()
	c.server.Close()
}

// Handle installs the ack answer for event. Without a handler every
// requested ack is positive and carries no data.
func (c *Consumer) Handle(event string, fn AckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

// RejectDials makes the websocket endpoint answer 401 while set.
func (c *Consumer) RejectDials(reject bool) { c.rejectDials.Store(reject) }

// LoginAttempts counts login requests, successful or not.
func (c *Consumer) LoginAttempts() int { return int(c.loginAttempts.Load()) }

// Dials counts accepted websocket connections.
func (c *Consumer) Dials() int { return int(c.dials.Load()) }

// Queries returns the raw query string of every accepted connection.
func (c *Consumer) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

// Events returns the recorded frames for event, or all frames when event is
// empty.
func (c *Consumer) Events(event string) []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Received
	for _, r := range c.events {
		if event == "" || r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets recorded events.
func (c *Consumer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// WaitFor blocks until at least n frames of event were recorded.
func (c *Consumer) WaitFor(event string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		count := 0
		for _, r := range c.events {
			if r.Event == event {
				count++
			}
		}
		changed := c.changed
		c.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// DropConnections closes every open websocket connection.
func (c *Consumer) DropConnections() {
	c.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(c.conns))
	for wc := range c.conns {
		conns = append(conns, wc)
	}
	c.mu.Unlock()
	for _, wc := range conns {
		_ = wc.Close()
	}
}

// OpenConnections is the number of websocket connections being served.
func (c *Consumer) OpenConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *Consumer) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Consumer) handleLogin(w http.ResponseWriter, r *http.Request) {
	c.loginAttempts.Add(1)
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "bad request"})
		return
	}
	if req.Username != c.username || bcrypt.CompareHashAndPassword(c.passwordHash, []byte(req.Password)) != nil {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "invalid username or password"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    map[string]any{"token": c.token},
	})
}

func (c *Consumer) handleSocket(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if c.rejectDials.Load() || strings.TrimPrefix(auth, "Bearer ") != c.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wc, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	index := int(c.dials.Add(1))

	c.mu.Lock()
	c.conns[wc] = index
	c.queries = append(c.queries, r.URL.RawQuery)
	c.notify()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.conns, wc)
		c.notify()
		c.mu.Unlock()
		_ = wc.Close()
	}()

	for {
		msgType, data, err := wc.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := channel.DecodeFrame(data)
		if err != nil || f.Type != channel.FrameEvent {
			continue
		}

		c.mu.Lock()
		c.events = append(c.events, Received{Event: f.Event, Args: f.Args, WantedAck: f.ID != 0, Connection: index})
		handler := c.handlers[f.Event]
		c.notify()
		c.mu.Unlock()

		if f.ID == 0 {
			continue
		}
		ok, reason, ackData := true, "", any(nil)
		if handler != nil {
			ok, reason, ackData = handler(f)
		}
		ack, err := channel.NewAckFrame(f.ID, ok, reason, ackData)
		if err != nil {
			return
		}
		out, err := channel.EncodeFrame(ack)
		if err != nil {
			return
		}
		// Only this goroutine writes to wc.
		if err := wc.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}
