package server

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const systemMetricsName = "wellrelay_system"

var (
	systemVarsOnce sync.Once
	systemVars     *expvar.Map
)

// sharedSystemVars returns the process-wide expvar map of host gauges.
func sharedSystemVars() *expvar.Map {
	systemVarsOnce.Do(func() {
		if v, ok := expvar.Get(systemMetricsName).(*expvar.Map); ok {
			systemVars = v
			return
		}
		systemVars = expvar.NewMap(systemMetricsName)
	})
	return systemVars
}

// SystemCollector periodically samples host CPU, memory and disk usage and
// publishes the values under the "wellrelay_system" expvar map.
type SystemCollector struct {
	vars     *expvar.Map
	cpu      *expvar.Float
	mem      *expvar.Float
	disk     *expvar.Float
	diskPath string
	interval time.Duration
	logger   *slog.Logger
}

// NewSystemCollector creates a collector. diskPath is the filesystem to watch
// (usually the lock or database directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if diskPath == "" {
		diskPath = "."
	}
	sc := &SystemCollector{
		vars:     sharedSystemVars(),
		cpu:      new(expvar.Float),
		mem:      new(expvar.Float),
		disk:     new(expvar.Float),
		diskPath: diskPath,
		interval: interval,
		logger:   logger.With("component", "SystemCollector"),
	}
	sc.vars.Set("cpu_usage_percent", sc.cpu)
	sc.vars.Set("mem_usage_percent", sc.mem)
	sc.vars.Set("disk_usage_percent", sc.disk)
	return sc
}

// Run samples on every interval until ctx is cancelled.
func (sc *SystemCollector) Run(ctx context.Context) {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval, "disk_path", sc.diskPath)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	// Prime the CPU counters so the first tick reports a delta.
	_, _ = cpu.PercentWithContext(ctx, 0, false)
	for {
		select {
		case <-ctx.Done():
			sc.logger.Info("Stopping system metrics collector")
			return
		case <-ticker.C:
			sc.Collect(ctx)
		}
	}
}

// Collect takes one sample. Failed reads leave the previous value.
func (sc *SystemCollector) Collect(ctx context.Context) {
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sc.cpu.Set(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sc.mem.Set(vm.UsedPercent)
	}
	if du, err := disk.UsageWithContext(ctx, sc.diskPath); err == nil {
		sc.disk.Set(du.UsedPercent)
	} else {
		sc.logger.Debug("Disk usage read failed", "path", sc.diskPath, "error", err)
	}
}

// Snapshot returns the last sampled values.
func (sc *SystemCollector) Snapshot() map[string]float64 {
	return map[string]float64{
		"cpu_usage_percent":  sc.cpu.Value(),
		"mem_usage_percent":  sc.mem.Value(),
		"disk_usage_percent": sc.disk.Value(),
	}
}
