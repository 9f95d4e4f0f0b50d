package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tripBack/internal/taxi/clock"
)

const defaultEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// Logger is a minimal logger interface required by the rates package.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FeedConfig configures a PriceFeed.
type FeedConfig struct {
	Endpoint string
	TokenID  string
	Currency string
	Interval time.Duration
}

// PriceFeed polls the fiat price of the settlement token.
type PriceFeed struct {
	httpClient *http.Client
	rdb        *redis.Client
	clock      clock.Clock
	logger     Logger
	cfg        FeedConfig

	mu    sync.RWMutex
	price float64
}

// NewPriceFeed constructs a feed. rdb may be nil.
func NewPriceFeed(cfg FeedConfig, httpClient *http.Client, rdb *redis.Client, clk clock.Clock, logger Logger) *PriceFeed {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.TokenID == "" {
		cfg.TokenID = "kaspa"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &PriceFeed{httpClient: httpClient, rdb: rdb, clock: clk, logger: logger, cfg: cfg}
}

// Price returns the last known price, or 0 when none was fetched yet.
func (f *PriceFeed) Price() float64 {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price
}

func (f *PriceFeed) set(p float64) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

func (f *PriceFeed) cacheKey() string {
	return "rates:" + f.cfg.TokenID + ":" + f.cfg.Currency
}

// Run warms the feed from the cache, then polls until ctx ends.
func (f *PriceFeed) Run(ctx context.Context) {
	f.warm(ctx)
	f.refresh(ctx)

	ticker := f.clock.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			f.refresh(ctx)
		}
	}
}

func (f *PriceFeed) warm(ctx context.Context) {
	if f.rdb == nil {
		return
	}
	v, err := f.rdb.Get(ctx, f.cacheKey()).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			f.logger.Errorf("rates: read cached price: %v", err)
		}
		return
	}
	if p, err := strconv.ParseFloat(v, 64); err == nil && p > 0 {
		f.set(p)
	}
}

func (f *PriceFeed) refresh(ctx context.Context) {
	p, err := f.Fetch(ctx)
	if err != nil {
		f.logger.Errorf("rates: fetch %s/%s: %v", f.cfg.TokenID, f.cfg.Currency, err)
		return
	}
	f.set(p)
	if f.rdb != nil {
		if err := f.rdb.Set(ctx, f.cacheKey(), strconv.FormatFloat(p, 'f', -1, 64), 24*time.Hour).Err(); err != nil {
			f.logger.Errorf("rates: cache price: %v", err)
		}
	}
}

// Fetch asks the price endpoint once.
func (f *PriceFeed) Fetch(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("ids", f.cfg.TokenID)
	q.Set("vs_currencies", f.cfg.Currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("price feed: status %d: %s", resp.StatusCode, body)
	}

	var out map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("price feed: decode: %w", err)
	}
	p := out[f.cfg.TokenID][f.cfg.Currency]
	if p <= 0 {
		return 0, fmt.Errorf("price feed: no %s price for %s", f.cfg.Currency, f.cfg.TokenID)
	}
	return p, nil
}
