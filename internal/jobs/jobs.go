// Package jobs runs the scheduled background work: the expired-escrow
// sweep and the reconciliation scan.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dartduel/server/internal/idgen"
	"github.com/dartduel/server/internal/logging"
)

// Job is one schedulable unit of background work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner with per-run logging, request ids, and
// panic containment, so one bad run never kills the scheduler.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		timeout: 5 * time.Minute,
	}
}

// Add registers fn under a standard 5-field cron spec.
func (s *Scheduler) Add(name, spec string, fn Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

func (s *Scheduler) run(name string, fn Job) {
	runID := idgen.WithPrefix("job")
	log := s.logger.With("job", name, "run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, log)

	start := time.Now()
	if err := fn(ctx); err != nil {
		log.Error("job failed", "error", err, "duration", time.Since(start))
		return
	}
	log.Info("job finished", "duration", time.Since(start))
}

// Start begins executing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and returns a context that is done once any
// in-flight run has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
