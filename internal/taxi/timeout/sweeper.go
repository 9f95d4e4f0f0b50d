package timeout

import (
	"context"
	"errors"
	"time"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/repo"
)

// SweepConfig holds required configuration subset for the sweeper.
type SweepConfig interface {
	Config
	GetSweepInterval() time.Duration
}

// TripFinder lists trips.
type TripFinder interface {
	FindTrips(ctx context.Context, q repo.TripQuery) ([]repo.Trip, error)
}

// Sweeper expires overdue pending trips whose requester is not connected
// to run its own Manager.
type Sweeper struct {
	trips   TripFinder
	expirer Expirer
	clock   clock.Clock
	logger  Logger
	cfg     SweepConfig
}

// NewSweeper creates a sweeper instance.
func NewSweeper(trips TripFinder, expirer Expirer, clk clock.Clock, logger Logger, cfg SweepConfig) *Sweeper {
	return &Sweeper{trips: trips, expirer: expirer, clock: clk, logger: logger, cfg: cfg}
}

// Run starts the sweep loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.GetSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Errorf("timeout: sweep failed: %v", err)
			}
		}
	}
}

// Sweep expires every pending trip requested more than the pending
// timeout ago and returns how many it cancelled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.GetPendingTimeout())
	trips, err := s.trips.FindTrips(ctx, repo.TripQuery{
		Statuses:        []fsm.Status{fsm.StatusPending},
		RequestedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range trips {
		_, err := s.expirer.Expire(ctx, t.ID)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, fsm.ErrInvalidTransition):
		case errors.Is(err, context.Canceled):
			return expired, err
		default:
			s.logger.Errorf("timeout: expire trip %s failed: %v", t.ID, err)
		}
	}
	return expired, nil
}
