/*
scheduler.go - Automated expiration sweep

PURPOSE:
  Periodically runs the expiration sweep so grants past their expiry are
  written off without an operator calling POST /api/admin/sweep.

DESIGN:
  - robfig/cron drives the schedule ("@every 1h" by default, any cron
    expression accepted)
  - Overlapping runs are skipped; a sweep that is still going when the
    next tick fires finishes first
  - Panics inside a run are recovered and logged
  - Optionally sweeps once immediately on start

USAGE:
  scheduler, err := NewSweepScheduler(ledger, logger, "@every 1h")
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - points/reconciler.go: Sweep
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/points-ledger/points"
)

// SweepScheduler runs the ledger's expiration sweep on a cron schedule.
type SweepScheduler struct {
	Ledger     *points.Ledger
	Schedule   string
	RunOnStart bool
	Timeout    time.Duration // per run; zero means no limit

	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	lastRun *points.SweepReport
}

// NewSweepScheduler creates a scheduler. The schedule is validated here so
// a bad SWEEP_SCHEDULE fails at startup.
func NewSweepScheduler(ledger *points.Ledger, logger *slog.Logger, schedule string) (*SweepScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &SweepScheduler{
		Ledger:   ledger,
		Schedule: schedule,
		cron:     c,
		logger:   logger,
	}, nil
}

// Start registers the sweep job and starts the cron scheduler.
func (s *SweepScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.Schedule, s.RunOnce); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.logger.Info("scheduled expiration sweep", "schedule", s.Schedule)

	s.cron.Start()
	if s.RunOnStart {
		go s.RunOnce()
	}
	return nil
}

// Stop stops scheduling. The returned context is done once a running
// sweep has finished.
func (s *SweepScheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("sweep scheduler stopped")
	return ctx
}

// RunOnce sweeps as of the ledger's current time.
func (s *SweepScheduler) RunOnce() {
	ctx := context.Background()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	report, err := s.Ledger.SweepExpired(ctx, s.Ledger.Now())
	if err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
		return
	}

	s.mu.Lock()
	s.lastRun = &report
	s.mu.Unlock()
}

// LastRun returns the report of the most recent successful run.
func (s *SweepScheduler) LastRun() (points.SweepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return points.SweepReport{}, false
	}
	return *s.lastRun, true
}
