package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/wellrelay/channel"
	"github.com/INLOpen/wellrelay/compressors"
	"github.com/INLOpen/wellrelay/config"
	"github.com/INLOpen/wellrelay/core"
	"github.com/INLOpen/wellrelay/credential"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Endpoint is one remote consumer and its login credentials.
type Endpoint struct {
	URL                string
	Username           string
	Password           string
	TokenRetryInterval time.Duration
}

// ChannelOptions are shared by the destination and local sessions.
type ChannelOptions struct {
	Path             string
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	AckTimeout       time.Duration
}

// StreamOptions configures one polled stream.
type StreamOptions struct {
	Enabled   bool
	BatchSize int
	Interval  time.Duration
}

// LiveOptions configures the live sample ticker.
type LiveOptions struct {
	Enabled    bool
	Interval   time.Duration
	RemoteSave bool
}

// EngineOptions holds everything the replication engine needs besides the
// repository.
type EngineOptions struct {
	WellID      int64
	Destination Endpoint
	Local       Endpoint
	Channel     ChannelOptions

	TransferEnabled bool
	Streams         map[core.StreamKind]StreamOptions
	Failed          StreamOptions
	Live            LiveOptions
	BatchDelay      time.Duration
	Compressor      core.Compressor

	Metrics *Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// OptionsFromConfig maps the validated configuration onto engine options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (EngineOptions, error) {
	compressor, err := compressors.New(cfg.Transfer.Compression)
	if err != nil {
		return EngineOptions{}, err
	}
	stream := func(s config.StreamConfig, def time.Duration) StreamOptions {
		return StreamOptions{
			Enabled:   s.Enabled,
			BatchSize: s.BatchSize,
			Interval:  config.ParseDuration(s.Interval, def, logger),
		}
	}
	endpoint := func(e config.EndpointConfig) Endpoint {
		return Endpoint{
			URL:                e.URL(),
			Username:           e.Username,
			Password:           e.Password,
			TokenRetryInterval: config.ParseDuration(e.TokenRetryInterval, credential.DefaultRetryInterval, logger),
		}
	}

	opts := EngineOptions{
		WellID:      cfg.Well.ID,
		Destination: endpoint(cfg.Destination),
		Local:       endpoint(cfg.Local),
		Channel: ChannelOptions{
			Path:             cfg.Channel.Path,
			ReconnectMin:     config.ParseDuration(cfg.Channel.ReconnectMin, time.Second, logger),
			ReconnectMax:     config.ParseDuration(cfg.Channel.ReconnectMax, 30*time.Second, logger),
			HandshakeTimeout: config.ParseDuration(cfg.Channel.HandshakeTimeout, 10*time.Second, logger),
			PingInterval:     config.ParseDuration(cfg.Channel.PingInterval, 0, logger),
			AckTimeout:       config.ParseDuration(cfg.Channel.AckTimeout, 0, logger),
		},
		TransferEnabled: cfg.Transfer.Enabled,
		Streams: map[core.StreamKind]StreamOptions{
			core.StreamComments:         stream(cfg.Transfer.Comments, 10*time.Second),
			core.StreamCommentsDeleted:  stream(cfg.Transfer.CommentsDeleted, 30*time.Second),
			core.StreamMasterLog:        stream(cfg.Transfer.MasterLog, 10*time.Second),
			core.StreamMasterLogDeleted: stream(cfg.Transfer.MasterLogDeleted, 30*time.Second),
		},
		Failed: stream(cfg.Transfer.Failed, time.Minute),
		Live: LiveOptions{
			Enabled:    cfg.Live.Enabled,
			Interval:   config.ParseDuration(cfg.Live.Interval, time.Second, logger),
			RemoteSave: cfg.Live.RemoteSave,
		},
		BatchDelay: batchDelay(cfg.Transfer.BatchDelay, logger),
		Compressor: compressor,
		Logger:     logger,
	}
	return opts, nil
}

// batchDelay parses transfer.batch_delay. An explicit zero disables the wait
// instead of falling back to the default.
func batchDelay(raw string, logger *slog.Logger) time.Duration {
	if strings.TrimSpace(raw) == "0" {
		return 0
	}
	return config.ParseDuration(raw, DefaultBatchDelay, logger)
}

// Engine replicates one well: it keeps the destination and local sessions
// alive, runs the live sample ticker and, when transfer is enabled, pushes
// the well snapshot and arms the streams on every destination connection.
type Engine struct {
	opts   EngineOptions
	repo   core.SourceRepository
	logger *slog.Logger

	metrics   *Metrics
	pipeline  *Pipeline
	snapshot  *SnapshotSync
	failed    *FailedBuffer
	scheduler *Scheduler

	well        *core.Well
	destBroker  *credential.Broker
	localBroker *credential.Broker
	dest        *channel.Session
	local       *channel.Session

	mu     sync.Mutex
	runCtx context.Context
}

// NewEngine wires the engine components. Nothing is read or dialled until
// Start.
func NewEngine(opts EngineOptions, repo core.SourceRepository) (*Engine, error) {
	if opts.WellID <= 0 {
		return nil, fmt.Errorf("invalid well id %d", opts.WellID)
	}
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		opts.Logger = logger
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(false, "")
	}

	pipeline := NewPipeline(PipelineOptions{
		WellID:     opts.WellID,
		Codec:      compressors.NewCodec(opts.Compressor),
		BatchDelay: opts.BatchDelay,
		Metrics:    metrics,
		Tracer:     opts.Tracer,
		Logger:     logger,
	})

	e := &Engine{
		opts:      opts,
		repo:      repo,
		logger:    logger.With("component", "Engine", "well_id", opts.WellID),
		metrics:   metrics,
		pipeline:  pipeline,
		snapshot:  NewSnapshotSync(opts.WellID, repo, metrics, logger),
		scheduler: NewScheduler(logger),
		failed: NewFailedBuffer(FailedBufferOptions{
			WellID:     opts.WellID,
			Endpoint:   opts.Destination.URL,
			BatchSize:  opts.Failed.BatchSize,
			RemoteSave: opts.Live.RemoteSave,
		}, repo, pipeline, logger),
	}
	e.registerTasks()
	return e, nil
}

func (e *Engine) registerTasks() {
	for _, kind := range core.DeltaStreams {
		so, ok := e.opts.Streams[kind]
		if !ok || !so.Enabled {
			e.logger.Info("Stream disabled", "stream", kind)
			continue
		}
		kind, batchSize := kind, so.BatchSize
		e.scheduler.Register(Task{
			Name:     kind.String(),
			Interval: so.Interval,
			Run: func(ctx context.Context, ch core.Channel) error {
				return TransferDelta(ctx, e.pipeline, ch, e.repo, kind, batchSize)
			},
		})
	}
	if e.opts.Failed.Enabled {
		e.scheduler.Register(Task{
			Name:     "failed-resend",
			Interval: e.opts.Failed.Interval,
			Run:      e.failed.Resend,
		})
	}
}

// Metrics returns the engine metrics.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Scheduler returns the stream scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Well returns the well cached by Start.
func (e *Engine) Well() *core.Well { return e.well }

// Destination returns the destination session, nil before Start.
func (e *Engine) Destination() *channel.Session { return e.dest }

// Local returns the local session, nil before Start.
func (e *Engine) Local() *channel.Session { return e.local }

// SessionStatus describes one channel session.
type SessionStatus struct {
	Connected  bool   `json:"connected"`
	Generation uint64 `json:"generation"`
}

// Status is a point-in-time view of the engine for the debug server.
type Status struct {
	WellID      int64         `json:"well_id"`
	Destination SessionStatus `json:"destination"`
	Local       SessionStatus `json:"local"`
	Armed       bool          `json:"armed"`
	Tasks       []string      `json:"tasks"`
}

// Status reports session and scheduler state.
func (e *Engine) Status() Status {
	st := Status{
		WellID: e.opts.WellID,
		Armed:  e.scheduler.Armed(),
		Tasks:  e.scheduler.Tasks(),
	}
	if e.dest != nil {
		st.Destination = SessionStatus{Connected: e.dest.Connected(), Generation: e.dest.Generation()}
	}
	if e.local != nil {
		st.Local = SessionStatus{Connected: e.local.Connected(), Generation: e.local.Generation()}
	}
	return st
}

// Start reads and caches the well and prepares both sessions. Every error
// it returns is fatal for the process.
func (e *Engine) Start(ctx context.Context) error {
	well, err := e.repo.GetWellByID(ctx, e.opts.WellID)
	if err != nil {
		return fmt.Errorf("failed to load well %d: %w", e.opts.WellID, err)
	}
	e.well = well

	entityID := well.ID
	if well.HasParent() {
		entityID = *well.ParentID
	}

	e.destBroker = e.newBroker("destination", e.opts.Destination)
	e.localBroker = e.newBroker("local", e.opts.Local)

	e.dest, err = e.newSession("destination", e.opts.Destination, e.destBroker, entityID, channel.Handlers{
		OnConnect:    e.onDestinationConnect,
		OnDisconnect: e.onDestinationDisconnect,
	})
	if err != nil {
		return err
	}
	e.local, err = e.newSession("local", e.opts.Local, e.localBroker, entityID, channel.Handlers{
		OnConnect: func(h *channel.Handle) {
			e.metrics.ConnectsTotal.Add("local", 1)
		},
	})
	if err != nil {
		return err
	}
	e.logger.Info("Engine started", "entity_id", entityID, "streams", e.scheduler.Tasks())
	return nil
}

func (e *Engine) newBroker(name string, ep Endpoint) *credential.Broker {
	return credential.NewBroker(credential.Options{
		Endpoint:      ep.URL,
		Username:      ep.Username,
		Password:      ep.Password,
		RetryInterval: ep.TokenRetryInterval,
		Logger:        e.opts.Logger.With("channel", name),
	})
}

func (e *Engine) newSession(name string, ep Endpoint, tokens channel.TokenSource, entityID int64, h channel.Handlers) (*channel.Session, error) {
	s, err := channel.NewSession(channel.Options{
		Name:             name,
		URL:              ep.URL,
		Path:             e.opts.Channel.Path,
		EntityID:         entityID,
		Tokens:           tokens,
		ReconnectMin:     e.opts.Channel.ReconnectMin,
		ReconnectMax:     e.opts.Channel.ReconnectMax,
		HandshakeTimeout: e.opts.Channel.HandshakeTimeout,
		PingInterval:     e.opts.Channel.PingInterval,
		AckTimeout:       e.opts.Channel.AckTimeout,
		Logger:           e.opts.Logger,
	}, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s session: %w", name, err)
	}
	return s, nil
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

func (e *Engine) onDestinationConnect(h *channel.Handle) {
	e.metrics.ConnectsTotal.Add("destination", 1)
	if !e.opts.TransferEnabled {
		e.logger.Info("Transfer disabled, snapshot skipped and streams not armed")
		return
	}
	ctx := e.context()
	if err := e.snapshot.Sync(ctx, h); err != nil {
		e.logger.Warn("Snapshot sync failed", "error", err, "generation", h.Generation())
	}
	e.scheduler.Arm(ctx, h)
}

func (e *Engine) onDestinationDisconnect() {
	e.scheduler.Disarm()
}

// Run serves both sessions and the live ticker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.dest == nil || e.local == nil {
		return errors.New("engine not started")
	}
	g, gctx := errgroup.WithContext(ctx)
	e.mu.Lock()
	e.runCtx = gctx
	e.mu.Unlock()

	g.Go(func() error { return e.dest.Run(gctx) })
	g.Go(func() error { return e.local.Run(gctx) })
	if e.opts.Live.Enabled {
		g.Go(func() error { return e.liveLoop(gctx) })
	}

	err := g.Wait()
	e.scheduler.Stop()
	e.logger.Info("Engine stopped")
	return err
}

func (e *Engine) liveLoop(ctx context.Context) error {
	interval := e.opts.Live.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.failed.DeliverLive(ctx, e.local, e.dest); err != nil && ctx.Err() == nil {
				e.logger.Warn("Live sample tick failed", "error", err)
			}
		}
	}
}
