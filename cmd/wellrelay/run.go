package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/INLOpen/wellrelay/config"
	"github.com/INLOpen/wellrelay/replication"
	"github.com/INLOpen/wellrelay/server"
	"github.com/INLOpen/wellrelay/store"
	"github.com/INLOpen/wellrelay/sys"
	"github.com/spf13/cobra"
)

type runFlags struct {
	configPath string
	wellID     int64
}

func newRunCmd() *cobra.Command {
	var f runFlags
	c := &cobra.Command{
		Use:     "run",
		Short:   "Start replicating a well",
		Example: "wellrelay run --config wellrelay.yaml --well 1024",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(f)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	c.Flags().StringVarP(&f.configPath, "config", "c", "wellrelay.yaml", "path to the YAML configuration file")
	c.Flags().Int64VarP(&f.wellID, "well", "w", 0, "well id to replicate (overrides well.id)")
	return c
}

// loadRunConfig reads the file, applies flag overrides and validates.
func loadRunConfig(f runFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.wellID != 0 {
		cfg.Well.ID = f.wellID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger = logger.With("well_id", cfg.Well.ID)

	tp, tracerCleanup, err := initTracerProvider(ctx, cfg.Tracing, cfg.Well.ID, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	repo, err := store.Open(ctx, cfg.Database, cfg.Well.ID, logger)
	if err != nil {
		logger.Error("Failed to open source repository", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer repo.Close()

	opts, err := replication.OptionsFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	opts.Metrics = replication.NewMetrics(cfg.Debug.Enabled && cfg.Debug.MetricsEnabled, "wellrelay_")
	opts.Tracer = tp.Tracer("github.com/INLOpen/wellrelay/replication")

	eng, err := replication.NewEngine(opts, repo)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start replication engine", "error", err)
		return err
	}

	if cfg.LockDir != "" {
		lock, err := sys.AcquireInstanceLock(cfg.LockDir, cfg.Well.ID)
		if err != nil {
			logger.Error("Failed to acquire instance lock", "dir", cfg.LockDir, "error", err)
			return err
		}
		defer lock.Release()
		logger.Info("Instance lock acquired", "path", lock.Path())
	}

	if cfg.Debug.Enabled {
		stopDebug := startDebug(ctx, cfg, eng, logger)
		defer stopDebug()
	}

	logger.Info("Relay running. Press Ctrl+C to exit.",
		"destination", opts.Destination.URL, "local", opts.Local.URL)
	if err := eng.Run(ctx); err != nil {
		logger.Error("Replication engine exited with an error", "error", err)
		return err
	}
	logger.Info("Relay exited gracefully.")
	return nil
}

// startDebug runs the metrics server and the host collector and returns the
// func that stops both.
func startDebug(ctx context.Context, cfg *config.Config, eng *replication.Engine, logger *slog.Logger) func() {
	metricSrv := server.NewMetricsServer(cfg.Debug, func() any { return eng.Status() }, logger)
	go func() {
		if err := metricSrv.Start(); err != nil {
			logger.Error("Failed to start metrics server", "error", err)
		}
	}()

	collectorCtx, cancel := context.WithCancel(ctx)
	interval := config.ParseDuration(cfg.Debug.SystemInterval, 0, logger)
	collector := server.NewSystemCollector(cfg.LockDir, interval, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.Run(collectorCtx)
	}()

	return func() {
		cancel()
		<-done
		metricSrv.Stop()
	}
}
