package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// Runner runs one snapshot.
type Runner interface {
	Build(ctx context.Context, block int64, usdThreshold decimal.Decimal) (*model.Snapshot, error)
}

// Scheduler runs head-block snapshots on a cron schedule.
type Scheduler struct {
	runner    Runner
	threshold decimal.Decimal
	timeout   time.Duration
	cron      *cron.Cron
}

// NewScheduler creates a scheduler. Each run is bounded by timeout.
func NewScheduler(runner Runner, usdThreshold decimal.Decimal, timeout time.Duration) *Scheduler {
	return &Scheduler{
		runner:    runner,
		threshold: usdThreshold,
		timeout:   timeout,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the run under a standard five-field cron schedule and starts
// the scheduler.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("snapshot scheduler started", "schedule", spec)
	return nil
}

// RunOnce builds a snapshot at the chain head.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.runner.Build(ctx, 0, s.threshold); err != nil {
		slog.Error("scheduled snapshot failed", "err", err)
	}
}

// Stop stops the scheduler and waits for a running snapshot to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("snapshot scheduler stopped")
}
