/**
 * @description
 * Cron wiring for the reconciliation scanner. Jobs are chained with
 * SkipIfStillRunning so a slow scan never overlaps the next tick, and Recover
 * so a panicking check cannot take down the process.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: job scheduling.
 * - log/slog: cron and job logging.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the background cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler creates the cron runner with skip-if-running and panic
// recovery applied to every job.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))
	return &Scheduler{cron: c, logger: logger}
}

// RegisterReconciliation schedules the reconciliation scan. Each invocation
// gets its own bounded context so a wedged scan cannot hold resources forever.
func (s *Scheduler) RegisterReconciliation(spec string, reconciler *Reconciler, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := reconciler.Run(ctx); err != nil {
			s.logger.Error("scheduled reconciliation run failed", "component", "scheduler", "err", err)
		}
	})
	return err
}

// Start begins running scheduled jobs in their own goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "component", "scheduler", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped", "component", "scheduler")
}
