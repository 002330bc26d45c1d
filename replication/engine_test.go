package replication

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/wellrelay/channel"
	"github.com/INLOpen/wellrelay/config"
	"github.com/INLOpen/wellrelay/core"
	"github.com/INLOpen/wellrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const engineWait = 5 * time.Second

func nilCursor(*channel.Frame) (bool, string, any) {
	return true, "", map[string]any{"maxId": nil}
}

func engineOptions(dest, local *testutil.Consumer) EngineOptions {
	return EngineOptions{
		WellID: testWellID,
		Destination: Endpoint{
			URL: dest.URL(), Username: "relay", Password: "pw", TokenRetryInterval: 10 * time.Millisecond,
		},
		Local: Endpoint{
			URL: local.URL(), Username: "local", Password: "lpw", TokenRetryInterval: 10 * time.Millisecond,
		},
		Channel: ChannelOptions{
			ReconnectMin: 10 * time.Millisecond,
			ReconnectMax: 50 * time.Millisecond,
		},
		TransferEnabled: true,
		Streams: map[core.StreamKind]StreamOptions{
			core.StreamComments: {Enabled: true, BatchSize: 10, Interval: time.Hour},
		},
		Failed:     StreamOptions{Enabled: true, BatchSize: 10, Interval: 20 * time.Millisecond},
		Live:       LiveOptions{Enabled: true, Interval: 20 * time.Millisecond, RemoteSave: true},
		BatchDelay: -1,
		Logger:     testLogger(),
	}
}

func startEngine(t *testing.T, opts EngineOptions, repo core.SourceRepository) *Engine {
	t.Helper()
	e, err := NewEngine(opts, repo)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, e.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(engineWait):
			t.Error("engine did not stop")
		}
	})
	return e
}

func TestEngine_ReplicatesAndSurvivesReconnect(t *testing.T) {
	dest := testutil.NewConsumer("relay", "pw")
	defer dest.Close()
	local := testutil.NewConsumer("local", "lpw")
	defer local.Close()
	dest.Handle("last-comment-id", nilCursor)

	repo := testutil.NewMemRepository()
	repo.PutWell(&core.Well{ID: testWellID, Attributes: map[string]any{"Name": "W-42"}})
	repo.PutDelta(core.StreamComments, deltaRecords(1, 25)...)
	repo.SetSample(sampleAt(1))

	e := startEngine(t, engineOptions(dest, local), repo)
	assert.Equal(t, testWellID, e.Well().ID)

	// Snapshot, then the comments stream in ceil(25/10) batches.
	require.True(t, dest.WaitFor(EventWell, 1, engineWait))
	require.True(t, dest.WaitFor("comments", 3, engineWait))
	assert.Equal(t, "wellId=42", dest.Queries()[0])
	assert.Equal(t, []string{"comments", "failed-resend"}, e.Scheduler().Tasks())

	// Live samples reach both channels.
	require.True(t, local.WaitFor(EventProcessSample, 1, engineWait))
	require.True(t, dest.WaitFor(EventProcessSample, 1, engineWait))
	assert.False(t, local.Events(EventProcessSample)[0].WantedAck)
	assert.True(t, dest.Events(EventProcessSample)[0].WantedAck)

	// Take the destination away: live samples are buffered and no stream sends.
	dest.RejectDials(true)
	dest.DropConnections()
	require.Eventually(t, func() bool { return !e.Destination().Connected() }, engineWait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(repo.Failed()) >= 2 }, engineWait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !e.Scheduler().Armed() }, engineWait, 5*time.Millisecond)
	commentsBefore := len(dest.Events("comments"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, commentsBefore, len(dest.Events("comments")))
	for _, r := range repo.Failed() {
		assert.Equal(t, dest.URL(), r.ServerInfo)
	}

	// Reconnect: snapshot again, streams re-armed, buffered samples resent.
	dest.RejectDials(false)
	require.True(t, dest.WaitFor(EventWell, 2, engineWait))
	require.True(t, dest.WaitFor("last-comment-id", 2, engineWait))
	require.True(t, dest.WaitFor(EventProcessBatch, 1, engineWait))
	require.Eventually(t, func() bool { return len(repo.Failed()) == 0 }, engineWait, 5*time.Millisecond)
	assert.Equal(t, uint64(2), e.Destination().Generation())
	assert.GreaterOrEqual(t, e.Metrics().FailedResentTotal.Value(), int64(2))
}

func TestEngine_ParentWellIsSessionEntity(t *testing.T) {
	dest := testutil.NewConsumer("relay", "pw")
	defer dest.Close()
	local := testutil.NewConsumer("local", "lpw")
	defer local.Close()

	repo := testutil.NewMemRepository()
	repo.PutWell(&core.Well{ID: testWellID, ParentID: int64Ptr(7)})
	repo.PutWell(&core.Well{ID: 7, Attributes: map[string]any{"Name": "Pad-7"}})

	opts := engineOptions(dest, local)
	opts.Streams = nil
	opts.Failed.Enabled = false
	opts.Live.Enabled = false
	e := startEngine(t, opts, repo)

	require.True(t, dest.WaitFor(EventWell, 2, engineWait))
	require.Eventually(t, func() bool { return len(local.Queries()) == 1 }, engineWait, 5*time.Millisecond)
	assert.Equal(t, "wellId=7", dest.Queries()[0])
	assert.Equal(t, "wellId=7", local.Queries()[0])

	var parent map[string]any
	require.NoError(t, dest.Events(EventWell)[1].DecodeArg(0, &parent))
	assert.Equal(t, "Pad-7", parent["Name"])
	assert.Equal(t, true, parent["socketIsConnected"])

	// No stream is enabled, so nothing is polled.
	assert.Empty(t, e.Scheduler().Tasks())
	assert.Empty(t, dest.Events("last-comment-id"))

	st := e.Status()
	assert.Equal(t, testWellID, st.WellID)
	assert.True(t, st.Destination.Connected)
	assert.Equal(t, uint64(1), st.Destination.Generation)
	assert.Empty(t, st.Tasks)
}

func TestEngine_TransferDisabledSkipsSnapshotAndStreams(t *testing.T) {
	dest := testutil.NewConsumer("relay", "pw")
	defer dest.Close()
	local := testutil.NewConsumer("local", "lpw")
	defer local.Close()
	dest.Handle("last-comment-id", nilCursor)

	repo := testutil.NewMemRepository()
	repo.PutWell(&core.Well{ID: testWellID})
	repo.PutDelta(core.StreamComments, deltaRecords(1, 5)...)
	repo.SetSample(sampleAt(1))

	opts := engineOptions(dest, local)
	opts.TransferEnabled = false
	e := startEngine(t, opts, repo)

	require.Eventually(t, func() bool { return e.Destination().Connected() }, engineWait, 5*time.Millisecond)
	// Live samples still flow.
	require.True(t, dest.WaitFor(EventProcessSample, 1, engineWait))
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, dest.Events(EventWell))
	assert.Empty(t, dest.Events("last-comment-id"))
	assert.Empty(t, dest.Events("comments"))
	assert.False(t, e.Scheduler().Armed())
	assert.False(t, e.Status().Armed)
}

func TestBatchDelayFromConfig(t *testing.T) {
	testCases := []struct {
		raw  string
		want time.Duration
	}{
		{"0", 0},
		{"0s", 0},
		{"", DefaultBatchDelay},
		{"250ms", 250 * time.Millisecond},
		{"soon", DefaultBatchDelay},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, batchDelay(tc.raw, testLogger()))
		})
	}
}

func TestEngine_StartFailsWithoutWell(t *testing.T) {
	repo := testutil.NewMemRepository()
	e, err := NewEngine(EngineOptions{WellID: testWellID, Logger: testLogger()}, repo)
	require.NoError(t, err)

	err = e.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Error(t, e.Run(context.Background()))
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(EngineOptions{}, testutil.NewMemRepository())
	assert.Error(t, err)
	_, err = NewEngine(EngineOptions{WellID: 1}, nil)
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Well.ID = 5
	cfg.Destination.Host = "consumer"
	cfg.Destination.Port = 8443
	cfg.Destination.Protocol = "https"
	cfg.Local.Port = 3001
	cfg.Transfer.Compression = "lz4"
	cfg.Transfer.CommentsDeleted.Enabled = false

	opts, err := OptionsFromConfig(cfg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(5), opts.WellID)
	assert.Equal(t, "https://consumer:8443", opts.Destination.URL)
	assert.Equal(t, "http://127.0.0.1:3001", opts.Local.URL)
	assert.Equal(t, "lz4", opts.Compressor.Name())
	assert.Equal(t, 500*time.Millisecond, opts.BatchDelay)
	assert.Equal(t, 10*time.Second, opts.Streams[core.StreamComments].Interval)
	assert.False(t, opts.Streams[core.StreamCommentsDeleted].Enabled)
	assert.Equal(t, time.Second, opts.Live.Interval)
	assert.True(t, opts.Live.RemoteSave)

	cfg.Transfer.Compression = "brotli"
	_, err = OptionsFromConfig(cfg, testLogger())
	assert.Error(t, err)
}
