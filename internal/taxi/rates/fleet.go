package rates

import (
	"context"
	"sync"
	"time"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/pricing"
	"tripBack/internal/taxi/repo"
)

// ProfileSampler lists fulfiller profiles in key order.
type ProfileSampler interface {
	SampleProfiles(ctx context.Context, limit int) ([]repo.Profile, error)
}

// FleetRate keeps the average per-km rate over a sample of fulfillers.
type FleetRate struct {
	profiles ProfileSampler
	clock    clock.Clock
	logger   Logger
	sample   int
	interval time.Duration

	mu      sync.RWMutex
	average float64
}

// NewFleetRate creates a FleetRate that samples the first sample profiles.
func NewFleetRate(profiles ProfileSampler, sample int, interval time.Duration, clk clock.Clock, logger Logger) *FleetRate {
	if sample <= 0 {
		sample = 10
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &FleetRate{profiles: profiles, clock: clk, logger: logger, sample: sample, interval: interval, average: pricing.DefaultRate}
}

// AverageRate returns the last computed average.
func (r *FleetRate) AverageRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.average
}

// Run refreshes the average once and then on every tick until ctx ends.
func (r *FleetRate) Run(ctx context.Context) {
	r.refresh(ctx)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.refresh(ctx)
		}
	}
}

func (r *FleetRate) refresh(ctx context.Context) {
	avg, err := r.Refresh(ctx)
	if err != nil {
		r.logger.Errorf("rates: fleet average: %v", err)
		return
	}
	r.logger.Infof("rates: fleet average rate %.2f", avg)
}

// Refresh recomputes the average now.
func (r *FleetRate) Refresh(ctx context.Context) (float64, error) {
	profiles, err := r.profiles.SampleProfiles(ctx, r.sample)
	if err != nil {
		return r.AverageRate(), err
	}
	avg := Average(profiles)
	r.mu.Lock()
	r.average = avg
	r.mu.Unlock()
	return avg, nil
}

// Average is the mean of the positive rates in profiles, or the default
// rate when there are none.
func Average(profiles []repo.Profile) float64 {
	sum, n := 0.0, 0
	for _, p := range profiles {
		if p.Rate > 0 {
			sum += p.Rate
			n++
		}
	}
	if n == 0 {
		return pricing.DefaultRate
	}
	return sum / float64(n)
}
