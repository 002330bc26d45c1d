package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/wellrelay/core"
)

// Task is one periodically polled stream.
type Task struct {
	Name string
	// Interval between runs. A non-positive interval runs the task once per arm.
	Interval time.Duration
	Run      func(ctx context.Context, ch core.Channel) error
}

// Scheduler runs the registered tasks while a channel is connected.
//
// Each armed task runs immediately and then on every tick. Runs of the same
// task never overlap: the loop runs synchronously and every tick that fired
// during a run is discarded, so the next run waits for the next tick.
// Different tasks run concurrently.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	armed   bool
	stopped bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger.With("component", "ReplicationScheduler")}
}

// Register adds a task. Tasks registered while armed start on the next Arm.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Tasks returns the names of the registered tasks.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Arm starts every task against ch. Any previous arm is cancelled first, so
// repeated arms never leave duplicate loops behind.
func (s *Scheduler) Arm(ctx context.Context, ch core.Channel) {
	s.Disarm()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.armed = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(loopCtx, t, ch)
	}
	s.logger.Info("Streams armed", "tasks", len(s.tasks))
}

// Disarm cancels every loop and waits for in-flight runs to return.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	cancel := s.cancel
	wasArmed := s.armed
	s.cancel = nil
	s.armed = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if wasArmed {
		s.logger.Info("Streams disarmed")
	}
}

// Armed reports whether the task loops are running.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Stop disarms and refuses later arms.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Disarm()
}

func (s *Scheduler) loop(ctx context.Context, t Task, ch core.Channel) {
	defer s.wg.Done()

	s.runTask(ctx, t, ch)
	if t.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, t, ch)
			// The ticker keeps one tick pending; a run longer than the
			// interval must not trigger another one straight away.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task, ch core.Channel) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := t.Run(ctx, ch)
	switch {
	case err == nil:
		s.logger.Debug("Task finished", "task", t.Name, "duration", time.Since(start))
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		s.logger.Debug("Task cancelled", "task", t.Name, "error", err)
	default:
		s.logger.Warn("Task failed", "task", t.Name, "error", err)
	}
}
