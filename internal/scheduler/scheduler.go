// Package scheduler runs the daily expiry job at the midnight boundary.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/model"
)

// ExpiryRunner is the expiry operation the scheduler triggers.
type ExpiryRunner interface {
	RunExpiry(ctx context.Context, day dates.Day) (*model.ExpiryStats, error)
}

// Scheduler fires the expiry run once per day at 00:00 in the ledger's
// home timezone. It only ever expires the day that just ended, so a debit
// stamped with today's date can never be swept up by a late or early run.
type Scheduler struct {
	runner     ExpiryRunner
	loc        *time.Location
	log        *zap.Logger
	runTimeout time.Duration
}

// New constructs a scheduler.
func New(runner ExpiryRunner, loc *time.Location, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{runner: runner, loc: loc, log: log, runTimeout: 10 * time.Minute}
}

// Run blocks until ctx is done, firing the expiry job at each midnight.
// Failures are logged and left for the next trigger; the run itself is
// idempotent, so an operator can also re-trigger it via cmd/expire.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := dates.NextMidnight(time.Now(), s.loc)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			day := dates.Of(now, s.loc).Prev()
			s.fire(ctx, day)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, day dates.Day) {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	s.log.Info("scheduled expiry starting", zap.String("day", day.String()))
	if _, err := s.runner.RunExpiry(runCtx, day); err != nil {
		s.log.Error("scheduled expiry failed", zap.String("day", day.String()), zap.Error(err))
	}
}
