package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/wellrelay/config"
	"github.com/arl/statsviz"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusFunc reports the replication state served on /status.
type StatusFunc func() any

// MetricsServer serves expvar metrics, pprof, the statsviz dashboard and a
// JSON status page for operators.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewMetricsServer builds the debug mux from cfg. status may be nil.
func NewMetricsServer(cfg config.DebugConfig, status StatusFunc, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "MetricsServer")
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(status()); err != nil {
				logger.Warn("Failed to encode status", "error", err)
			}
		})
	}
	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.MonitorUIEnabled {
		if err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		); err != nil {
			logger.Warn("Failed to register statsviz", "error", err)
		} else {
			logger.Info("Runtime dashboard available at /viz")
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the mux, mainly for tests.
func (s *MetricsServer) Handler() http.Handler { return s.server.Handler }

// Addr is the bound address once Start has listened, else the configured one.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start listens and serves until Stop. It blocks.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Metrics server listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Metrics server failed", "error", err)
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed", "error", err)
		return
	}
	s.logger.Info("Metrics server stopped")
}
