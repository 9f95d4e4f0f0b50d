package lifecycle

import "tripBack/internal/taxi/pricing"

// Config aggregates behavioural parameters for the trip lifecycle.
type Config struct {
	// DefaultRate is captured at request time when no fleet average is
	// available.
	DefaultRate float64
	// HistoryLimit bounds the fulfiller history listing.
	HistoryLimit int
}

// DefaultConfig returns the stock lifecycle settings.
func DefaultConfig() Config {
	return Config{DefaultRate: pricing.DefaultRate, HistoryLimit: 10}
}
