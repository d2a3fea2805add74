// Package scheduler runs due role-change tasks in the background.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kocharsoft/portal-console/internal/service"
	"github.com/kocharsoft/portal-console/internal/store"
)

// DefaultCheckInterval is how often the scheduler checks for due tasks.
const DefaultCheckInterval = 60 * time.Second

// TaskExecutor runs one task to its terminal state. Implementations
// must never propagate errors; failures are folded into the result so
// a bad task cannot halt the loop.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, taskID string) service.ExecutionResult
}

// Scheduler polls the task store and executes due tasks sequentially.
type Scheduler struct {
	store    *store.Store
	executor TaskExecutor
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a scheduler. A non-positive interval falls back to
// DefaultCheckInterval.
func New(st *store.Store, executor TaskExecutor, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Scheduler{
		store:    st,
		executor: executor,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop and blocks until Stop is called or
// the context is cancelled. Starting an already-running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler is already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler started", "check_interval", s.interval.String())
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start to catch any already-due tasks
	s.runDueTasks(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped by context")
			s.markStopped()
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runDueTasks(ctx)
		}
	}
}

// Stop requests a cooperative stop and waits up to wait for the loop to
// exit. An in-flight task is allowed to finish; there is no hard
// cancellation. Returns false if the loop did not exit in time.
func (s *Scheduler) Stop(wait time.Duration) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return true
	}
	close(s.stopCh)
	s.running = false
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
		return true
	case <-time.After(wait):
		s.logger.Warn("scheduler did not stop in time", "wait", wait.String())
		return false
	}
}

func (s *Scheduler) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// runDueTasks executes every due task sequentially. A failing due-task
// query is logged and retried on the next tick; task failures are
// already absorbed by the executor.
func (s *Scheduler) runDueTasks(ctx context.Context) {
	tasks, err := s.store.GetDueTasks(time.Now())
	if err != nil {
		s.logger.Error("failed to query due tasks", "error", err)
		return
	}

	if len(tasks) == 0 {
		return
	}

	s.logger.Info("found due tasks", "count", len(tasks))

	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.logger.Info("executing scheduled task",
			"task_id", task.ID,
			"user", task.UserName,
			"portal", task.Portal,
			"action", task.Action,
		)

		result := s.executor.ExecuteTask(ctx, task.ID)
		if result.Success {
			s.logger.Info("task execution succeeded", "task_id", task.ID)
		} else {
			s.logger.Error("task execution failed", "task_id", task.ID, "message", result.Message)
		}
	}
}
