// Package scheduler runs harvests on a cron schedule in the provider's quota
// time zone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"ytharvest/internal/quota"
)

// DefaultSpec runs once a day at 09:00 Pacific time.
const DefaultSpec = "0 9 * * *"

// Runner is one scheduled unit of work.
type Runner func(ctx context.Context) error

// Scheduler invokes a Runner on a standard five-field cron spec. Runs never
// overlap: a tick that fires while the previous run is active is skipped.
type Scheduler struct {
	spec   string
	run    Runner
	cron   *cron.Cron
	logger *slog.Logger
}

// New validates spec and returns a stopped Scheduler.
func New(spec string, run Runner, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger}
	return &Scheduler{
		spec: spec,
		run:  run,
		cron: cron.New(
			cron.WithLocation(quota.Location()),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}, nil
}

// Start schedules the runner and blocks until ctx is done. It waits for a
// run in progress to return before it does.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.spec, "next", s.cron.Entry(id).Next)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// RunOnce invokes the runner immediately.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	s.logger.Info("run starting", "quota_day", quota.Day(start))
	if err := s.run(ctx); err != nil {
		return fmt.Errorf("run failed after %s: %w", time.Since(start).Round(time.Millisecond), err)
	}
	s.logger.Info("run finished", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
