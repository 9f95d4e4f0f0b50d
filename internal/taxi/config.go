package taxi

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"tripBack/internal/taxi/pricing"
)

const (
	defaultPendingTimeout   = 10 * time.Minute
	defaultWarningAfter     = 8 * time.Minute
	defaultSettledGrace     = 10 * time.Second
	defaultCancelledGrace   = 8 * time.Second
	defaultPositionInterval = 2 * time.Second
	defaultOneShotTimeout   = 10 * time.Second
	defaultPriceInterval    = 5 * time.Minute
	defaultFleetSample      = 10
	defaultFleetInterval    = 10 * time.Minute
	defaultSweepInterval    = 30 * time.Second
	defaultHistoryLimit     = 10
)

// TaxiConfig holds runtime configuration for the trip module.
type TaxiConfig struct {
	PendingTimeout   time.Duration
	WarningAfter     time.Duration
	SettledGrace     time.Duration
	CancelledGrace   time.Duration
	PositionInterval time.Duration
	OneShotTimeout   time.Duration
	SweepInterval    time.Duration
	PriceInterval    time.Duration
	PriceEndpoint    string
	TokenID          string
	Currency         string
	FleetSample      int
	FleetInterval    time.Duration
	DefaultRate      float64
	HistoryLimit     int
}

// DefaultTaxiConfig returns the stock timings.
func DefaultTaxiConfig() TaxiConfig {
	return TaxiConfig{
		PendingTimeout:   defaultPendingTimeout,
		WarningAfter:     defaultWarningAfter,
		SettledGrace:     defaultSettledGrace,
		CancelledGrace:   defaultCancelledGrace,
		PositionInterval: defaultPositionInterval,
		OneShotTimeout:   defaultOneShotTimeout,
		SweepInterval:    defaultSweepInterval,
		PriceInterval:    defaultPriceInterval,
		FleetSample:      defaultFleetSample,
		FleetInterval:    defaultFleetInterval,
		DefaultRate:      pricing.DefaultRate,
		HistoryLimit:     defaultHistoryLimit,
	}
}

// LoadTaxiConfig reads configuration from environment variables and applies defaults.
func LoadTaxiConfig() (TaxiConfig, error) {
	cfg := DefaultTaxiConfig()

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"PENDING_TIMEOUT_SECONDS", &cfg.PendingTimeout},
		{"WARNING_AFTER_SECONDS", &cfg.WarningAfter},
		{"SETTLED_GRACE_SECONDS", &cfg.SettledGrace},
		{"CANCELLED_GRACE_SECONDS", &cfg.CancelledGrace},
		{"POSITION_INTERVAL_SECONDS", &cfg.PositionInterval},
		{"ONE_SHOT_TIMEOUT_SECONDS", &cfg.OneShotTimeout},
		{"SWEEP_INTERVAL_SECONDS", &cfg.SweepInterval},
		{"PRICE_INTERVAL_SECONDS", &cfg.PriceInterval},
		{"FLEET_INTERVAL_SECONDS", &cfg.FleetInterval},
	}
	for _, d := range durations {
		v, err := readIntEnv(d.name)
		if err != nil {
			return TaxiConfig{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		if v != nil {
			*d.dst = time.Duration(*v) * time.Second
		}
	}

	if v, err := readIntEnv("FLEET_SAMPLE_SIZE"); err != nil {
		return TaxiConfig{}, fmt.Errorf("parse FLEET_SAMPLE_SIZE: %w", err)
	} else if v != nil {
		cfg.FleetSample = *v
	}

	if v, err := readIntEnv("HISTORY_LIMIT"); err != nil {
		return TaxiConfig{}, fmt.Errorf("parse HISTORY_LIMIT: %w", err)
	} else if v != nil {
		cfg.HistoryLimit = *v
	}

	if v := os.Getenv("DEFAULT_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return TaxiConfig{}, fmt.Errorf("parse DEFAULT_RATE: %w", err)
		}
		cfg.DefaultRate = rate
	}

	cfg.PriceEndpoint = os.Getenv("PRICE_ENDPOINT")
	cfg.TokenID = os.Getenv("PRICE_TOKEN_ID")
	cfg.Currency = os.Getenv("PRICE_CURRENCY")

	if err := cfg.validate(); err != nil {
		return TaxiConfig{}, err
	}
	return cfg, nil
}

func (c TaxiConfig) validate() error {
	if c.PendingTimeout <= 0 || c.WarningAfter <= 0 {
		return fmt.Errorf("pending timeout and warning must be positive")
	}
	if c.WarningAfter >= c.PendingTimeout {
		return fmt.Errorf("WARNING_AFTER_SECONDS must be < PENDING_TIMEOUT_SECONDS")
	}
	if c.SettledGrace <= 0 || c.CancelledGrace <= 0 || c.PositionInterval <= 0 {
		return fmt.Errorf("grace periods and position interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.DefaultRate <= 0 {
		return fmt.Errorf("DEFAULT_RATE must be positive")
	}
	return nil
}

func (c TaxiConfig) GetPendingTimeout() time.Duration   { return c.PendingTimeout }
func (c TaxiConfig) GetWarningAfter() time.Duration     { return c.WarningAfter }
func (c TaxiConfig) GetSettledGrace() time.Duration     { return c.SettledGrace }
func (c TaxiConfig) GetCancelledGrace() time.Duration   { return c.CancelledGrace }
func (c TaxiConfig) GetPositionInterval() time.Duration { return c.PositionInterval }
func (c TaxiConfig) GetOneShotTimeout() time.Duration   { return c.OneShotTimeout }
func (c TaxiConfig) GetSweepInterval() time.Duration    { return c.SweepInterval }

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
