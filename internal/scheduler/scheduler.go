package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hn_syncer/internal/domain"
	"hn_syncer/internal/logger"
)

// Syncer defines the interface for sync operations.
type Syncer interface {
	Sync(ctx context.Context) (*domain.SyncStats, error)
}

// Task is one recurring job. Runs of the same task never overlap; a tick that
// fires while a run is in progress is dropped.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration // zero disables the per-run deadline
	Syncer       Syncer
}

type Scheduler struct {
	tasks  []Task
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(logger *slog.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks:  tasks,
		logger: logger,
	}
}

// Start runs every task on its own interval and blocks until ctx is cancelled
// or Stop is called. In-flight runs see their context cancelled and are waited
// for before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: already running", domain.ErrSchedulerStart)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()

	for _, t := range s.tasks {
		s.logger.Info("scheduling job",
			"job", t.Name,
			"interval", t.Interval,
			"initial_delay", t.InitialDelay,
			"timeout", t.Timeout,
		)
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// Stop cancels all tasks and waits for in-flight runs to finish. It is a no-op
// when the scheduler is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) validate() error {
	if len(s.tasks) == 0 {
		return fmt.Errorf("%w: no tasks", domain.ErrSchedulerStart)
	}
	for _, t := range s.tasks {
		switch {
		case t.Syncer == nil:
			return fmt.Errorf("%w: job %q has no syncer", domain.ErrSchedulerStart, t.Name)
		case t.Interval <= 0:
			return fmt.Errorf("%w: job %q has non-positive interval %s", domain.ErrSchedulerStart, t.Name, t.Interval)
		case t.InitialDelay < 0:
			return fmt.Errorf("%w: job %q has negative initial delay %s", domain.ErrSchedulerStart, t.Name, t.InitialDelay)
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	log := s.logger.With("job", t.Name)

	delay := time.NewTimer(t.InitialDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	s.run(ctx, t, log)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, t, log)
		}
	}
}

// run executes one sync. The run id is attached to the run context so the job
// logs with it too.
func (s *Scheduler) run(ctx context.Context, t Task, log *slog.Logger) {
	if ctx.Err() != nil {
		return
	}

	runID := uuid.NewString()
	log = log.With("run_id", runID)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
	}
	defer cancel()
	runCtx = logger.WithAttrs(runCtx, "run_id", runID)

	log.Info("job run started")
	startTime := time.Now()

	stats, err := t.Syncer.Sync(runCtx)
	if err != nil {
		log.Error("job run failed", "error", err, "duration", time.Since(startTime))
		return
	}

	log.Info("job run finished",
		"new", stats.New,
		"updated", stats.Updated,
		"errors", stats.Errors,
		"duration", time.Since(startTime),
	)
}
