package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMaintainer struct {
	sweeps     atomic.Int32
	recoveries atomic.Int32
}

func (m *countingMaintainer) SweepWakes(ctx context.Context) (int, error) {
	m.sweeps.Add(1)

	return 1, nil
}

func (m *countingMaintainer) RecoverStale(ctx context.Context) (int, error) {
	m.recoveries.Add(1)

	return 0, errors.New("store unavailable")
}

func TestSweeper_RunsBothJobs(t *testing.T) {
	target := &countingMaintainer{}
	sweeper := NewSweeper(slog.New(slog.DiscardHandler), target, time.Second, time.Second)

	require.NoError(t, sweeper.Start(context.Background()))
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		return target.sweeps.Load() > 0 && target.recoveries.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSweeper_Defaults(t *testing.T) {
	sweeper := NewSweeper(slog.New(slog.DiscardHandler), &countingMaintainer{}, 0, time.Millisecond)

	assert.Equal(t, DefaultSweepInterval, sweeper.sweepEvery)
	assert.Equal(t, DefaultRecoverInterval, sweeper.recoverEvery)

	// Stop before Start is a no-op.
	sweeper.Stop()
}

func TestSweeper_SkipsCancelledContext(t *testing.T) {
	target := &countingMaintainer{}
	sweeper := NewSweeper(slog.New(slog.DiscardHandler), target, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sweeper.run(ctx, "wake sweep", target.SweepWakes)
	assert.Zero(t, target.sweeps.Load())
}

func TestSweeper_DrivesEngine(t *testing.T) {
	h := newHarness(t)

	var _ Maintainer = h.engine

	swept, err := h.engine.SweepWakes(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)
}
