package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepInterval   = time.Second
	DefaultRecoverInterval = 30 * time.Second
)

// Maintainer is the periodic work a Sweeper drives.
type Maintainer interface {
	SweepWakes(ctx context.Context) (int, error)
	RecoverStale(ctx context.Context) (int, error)
}

// Sweeper fires due wakes and recovers stale claims on a fixed cadence. A run that is
// still in progress when the next tick arrives is skipped.
type Sweeper struct {
	logger       *slog.Logger
	target       Maintainer
	sweepEvery   time.Duration
	recoverEvery time.Duration
	cron         *cron.Cron
}

func NewSweeper(logger *slog.Logger, target Maintainer, sweepEvery, recoverEvery time.Duration) *Sweeper {
	// cron schedules have a one second resolution
	if sweepEvery < time.Second {
		sweepEvery = DefaultSweepInterval
	}

	if recoverEvery < time.Second {
		recoverEvery = DefaultRecoverInterval
	}

	return &Sweeper{
		logger:       logger.With("module", "sweeper"),
		target:       target,
		sweepEvery:   sweepEvery,
		recoverEvery: recoverEvery,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) (int, error)
	}{
		{"wake sweep", s.sweepEvery, s.target.SweepWakes},
		{"stale recovery", s.recoverEvery, s.target.RecoverStale},
	}

	for _, job := range jobs {
		_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.every), func() {
			s.run(ctx, job.name, job.run)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	s.cron.Start()

	s.logger.InfoContext(ctx, "Sweeper started", "sweep_every", s.sweepEvery, "recover_every", s.recoverEvery)

	return nil
}

func (s *Sweeper) run(ctx context.Context, name string, job func(context.Context) (int, error)) {
	if ctx.Err() != nil {
		return
	}

	count, err := job(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Maintenance run failed", "job", name, "error", err)

		return
	}

	if count > 0 {
		s.logger.DebugContext(ctx, "Maintenance run finished", "job", name, "count", count)
	}
}

// Stop waits for running jobs to return.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
}
