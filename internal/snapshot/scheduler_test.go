package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokkr/snapshot-engine/internal/model"
	"github.com/brokkr/snapshot-engine/internal/snapshot"
)

type countingRunner struct {
	mu         sync.Mutex
	calls      int
	blocks     []int64
	thresholds []decimal.Decimal
	deadline   bool
	until      time.Time
	err        error
}

func (r *countingRunner) Build(ctx context.Context, block int64, threshold decimal.Decimal) (*model.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.blocks = append(r.blocks, block)
	r.thresholds = append(r.thresholds, threshold)
	r.until, r.deadline = ctx.Deadline()
	if r.err != nil {
		return nil, r.err
	}
	return &model.Snapshot{Block: block}, nil
}

func TestScheduler_RunOnceUsesHeadAndThreshold(t *testing.T) {
	runner := &countingRunner{}
	s := snapshot.NewScheduler(runner, d("250"), time.Minute)

	s.RunOnce()

	require.Equal(t, 1, runner.calls)
	assert.Equal(t, int64(0), runner.blocks[0])
	assert.True(t, runner.thresholds[0].Equal(d("250")))
	assert.True(t, runner.deadline, "run must be bounded by a timeout")
}

func TestScheduler_RunOnceUsesConfiguredTimeout(t *testing.T) {
	runner := &countingRunner{}
	s := snapshot.NewScheduler(runner, decimal.Zero, 45*time.Minute)

	s.RunOnce()

	require.True(t, runner.deadline)
	assert.WithinDuration(t, time.Now().Add(45*time.Minute), runner.until, 5*time.Second)
}

func TestScheduler_RunOnceSwallowsErrors(t *testing.T) {
	runner := &countingRunner{err: errors.New("node unreachable")}
	s := snapshot.NewScheduler(runner, decimal.Zero, time.Minute)

	assert.NotPanics(t, s.RunOnce)
	assert.Equal(t, 1, runner.calls)
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	s := snapshot.NewScheduler(&countingRunner{}, decimal.Zero, time.Minute)

	assert.Error(t, s.Start("not a schedule"))
}

func TestScheduler_StartStop(t *testing.T) {
	s := snapshot.NewScheduler(&countingRunner{}, decimal.Zero, time.Minute)

	require.NoError(t, s.Start("@hourly"))
	s.Stop()
}
