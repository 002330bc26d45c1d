package channel_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/INLOpen/wellrelay/channel"
	"github.com/INLOpen/wellrelay/credential"
	"github.com/INLOpen/wellrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type sessionEvents struct {
	connects    chan *channel.Handle
	disconnects chan struct{}
	errors      chan error
}

func (e *sessionEvents) handlers() channel.Handlers {
	return channel.Handlers{
		OnConnect:    func(h *channel.Handle) { e.connects <- h },
		OnDisconnect: func() { e.disconnects <- struct{}{} },
		OnError: func(err error) {
			select {
			case e.errors <- err:
			default:
			}
		},
	}
}

func startSession(t *testing.T, consumer *testutil.Consumer, password string, opts channel.Options) (*channel.Session, *sessionEvents) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := credential.NewBroker(credential.Options{
		Endpoint:      consumer.URL(),
		Username:      "relay",
		Password:      password,
		RetryInterval: 10 * time.Millisecond,
		Logger:        logger,
	})

	opts.URL = consumer.URL()
	opts.Tokens = broker
	opts.Logger = logger
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = 10 * time.Millisecond
		opts.ReconnectMax = 50 * time.Millisecond
	}

	ev := &sessionEvents{
		connects:    make(chan *channel.Handle, 8),
		disconnects: make(chan struct{}, 8),
		errors:      make(chan error, 8),
	}
	s, err := channel.NewSession(opts, ev.handlers())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, ev
}

func waitConnect(t *testing.T, ev *sessionEvents) *channel.Handle {
	t.Helper()
	select {
	case h := <-ev.connects:
		return h
	case <-time.After(waitTimeout):
		t.Fatal("session did not connect")
		return nil
	}
}

func TestSession_ConnectAndRequest(t *testing.T) {
	consumer := testutil.NewConsumer("relay", "pw")
	defer consumer.Close()
	consumer.Handle("last-comment-id", func(f *channel.Frame) (bool, string, any) {
		var wellID int64
		if err := f.DecodeArg(0, &wellID); err != nil {
			return false, err.Error(), nil
		}
		return true, "", map[string]any{"maxId": wellID * 10}
	})

	s, ev := startSession(t, consumer, "pw", channel.Options{Name: "destination", EntityID: 7})
	h := waitConnect(t, ev)

	assert.Equal(t, uint64(1), h.Generation())
	assert.NotEmpty(t, h.ID())
	assert.True(t, h.Connected())
	assert.True(t, s.Connected())
	require.Len(t, consumer.Queries(), 1)
	assert.Equal(t, "wellId=7", consumer.Queries()[0])

	ctx := context.Background()
	ack, err := h.RequestWithAck(ctx, "last-comment-id", int64(7))
	require.NoError(t, err)
	require.True(t, ack.OK())
	var cursor struct {
		MaxID int64 `msgpack:"maxId"`
	}
	require.NoError(t, ack.Decode(&cursor))
	assert.Equal(t, int64(70), cursor.MaxID)

	require.NoError(t, s.Emit(ctx, "process-sample", int64(7), map[string]any{"code": 1}))
	require.True(t, consumer.WaitFor("process-sample", 1, waitTimeout))
	got := consumer.Events("process-sample")[0]
	assert.False(t, got.WantedAck)
	var sample map[string]any
	require.NoError(t, got.DecodeArg(1, &sample))
	assert.EqualValues(t, 1, sample["code"])
}

func TestSession_NegativeAckIsNotAnError(t *testing.T) {
	consumer := testutil.NewConsumer("relay", "pw")
	defer consumer.Close()
	consumer.Handle("comments", func(*channel.Frame) (bool, string, any) {
		return false, "storage full", nil
	})

	_, ev := startSession(t, consumer, "pw", channel.Options{EntityID: 1})
	h := waitConnect(t, ev)

	ack, err := h.RequestWithAck(context.Background(), "comments", int64(1), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, ack.OK())
	assert.Equal(t, "storage full", ack.Reason)
}

func TestSession_ReconnectMakesOldHandleStale(t *testing.T) {
	consumer := testutil.NewConsumer("relay", "pw")
	defer consumer.Close()

	s, ev := startSession(t, consumer, "pw", channel.Options{EntityID: 3})
	first := waitConnect(t, ev)

	consumer.DropConnections()
	select {
	case <-ev.disconnects:
	case <-time.After(waitTimeout):
		t.Fatal("disconnect not reported")
	}

	second := waitConnect(t, ev)
	assert.Equal(t, first.Generation()+1, second.Generation())
	assert.Equal(t, second.Generation(), s.Generation())

	ctx := context.Background()
	consumer.Reset()
	_, err := first.RequestWithAck(ctx, "comments", int64(3))
	assert.ErrorIs(t, err, channel.ErrStaleSession)
	assert.ErrorIs(t, first.Emit(ctx, "well", int64(3)), channel.ErrStaleSession)
	assert.False(t, first.Connected())

	ack, err := second.RequestWithAck(ctx, "comments", int64(3))
	require.NoError(t, err)
	assert.True(t, ack.OK())

	// Only the request on the current handle reached the wire.
	assert.Len(t, consumer.Events(""), 1)
}

func TestSession_DisconnectedSessionRefusesSends(t *testing.T) {
	consumer := testutil.NewConsumer("relay", "pw")
	consumer.RejectDials(true)
	defer consumer.Close()

	s, _ := startSession(t, consumer, "pw", channel.Options{EntityID: 3})
	assert.False(t, s.Connected())
	assert.Nil(t, s.Current())

	_, err := s.RequestWithAck(context.Background(), "comments", int64(3))
	assert.ErrorIs(t, err, channel.ErrDisconnected)
	assert.ErrorIs(t, s.Emit(context.Background(), "well"), channel.ErrDisconnected)
}

func TestSession_RejectedHandshakeRefreshesToken(t *testing.T) {
	consumer := testutil.NewConsumer("relay", "pw")
	defer consumer.Close()
	consumer.RejectDials(true)

	_, ev := startSession(t, consumer, "pw", channel.Options{EntityID: 3})

	select {
	case err := <-ev.errors:
		assert.Contains(t, err.Error(), "status 401")
	case <-time.After(waitTimeout):
		t.Fatal("rejected handshake not reported")
	}
	require.Eventually(t, func() bool { return consumer.LoginAttempts() >= 2 }, waitTimeout, 5*time.Millisecond)

	consumer.RejectDials(false)
	h := waitConnect(t, ev)
	assert.Equal(t, uint64(1), h.Generation())
}

func TestNewSession_Validation(t *testing.T) {
	broker := credential.NewBroker(credential.Options{Endpoint: "http://127.0.0.1:1"})

	_, err := channel.NewSession(channel.Options{Tokens: broker}, channel.Handlers{})
	assert.Error(t, err)

	_, err = channel.NewSession(channel.Options{URL: "http://127.0.0.1:1"}, channel.Handlers{})
	assert.Error(t, err)

	_, err = channel.NewSession(channel.Options{URL: "ftp://127.0.0.1:1", Tokens: broker}, channel.Handlers{})
	assert.Error(t, err)

	_, err = channel.NewSession(channel.Options{URL: "https://127.0.0.1:1", Tokens: broker}, channel.Handlers{})
	assert.NoError(t, err)
}
