package timeout

import (
	"context"
	"errors"
	"sync"
	"time"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/repo"
)

const retryDelay = 5 * time.Second

// Logger is a minimal logger interface required by the timeout package.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config holds required configuration subset.
type Config interface {
	GetPendingTimeout() time.Duration
	GetWarningAfter() time.Duration
}

// Expirer cancels a trip that nobody accepted.
type Expirer interface {
	Expire(ctx context.Context, tripID string) (repo.Trip, error)
}

// Warner is told once per trip that expiry is near.
type Warner interface {
	Warn(trip repo.Trip, remaining time.Duration)
}

// WarnerFunc adapts a function to Warner.
type WarnerFunc func(trip repo.Trip, remaining time.Duration)

// Warn calls f.
func (f WarnerFunc) Warn(trip repo.Trip, remaining time.Duration) { f(trip, remaining) }

// Manager watches the requester's current trip and expires it when it
// stays pending too long.
type Manager struct {
	expirer   Expirer
	warner    Warner
	clock     clock.Clock
	logger    Logger
	timeout   time.Duration
	warnAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tripID   string
	timers   []clock.Timer
	warned   bool
	expiring bool
	closed   bool
}

// NewManager creates a manager. warner may be nil.
func NewManager(cfg Config, expirer Expirer, warner Warner, clk clock.Clock, logger Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		expirer:   expirer,
		warner:    warner,
		clock:     clk,
		logger:    logger,
		timeout:   cfg.GetPendingTimeout(),
		warnAfter: cfg.GetWarningAfter(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Observe reconciles the timers with the latest state of the followed
// trip. A nil trip or any status other than pending detaches.
func (m *Manager) Observe(trip *repo.Trip) {
	var due []func()
	m.mu.Lock()
	switch {
	case m.closed:
	case trip == nil || trip.Status != fsm.StatusPending:
		m.detachLocked()
	case trip.ID == m.tripID:
	default:
		due = m.attachLocked(trip.Clone())
	}
	m.mu.Unlock()

	for _, f := range due {
		f()
	}
}

// Attached returns the id of the trip whose timers are running.
func (m *Manager) Attached() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripID
}

// Close stops all timers. Observe is a no-op afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.detachLocked()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}

// attachLocked schedules the warning and expiry for trip and returns the
// ones already due, to be run once the lock is released.
func (m *Manager) attachLocked(trip repo.Trip) []func() {
	m.detachLocked()
	m.tripID = trip.ID

	now := m.clock.Now()
	expireIn := trip.RequestedAt.Add(m.timeout).Sub(now)
	warnIn := trip.RequestedAt.Add(m.warnAfter).Sub(now)

	var due []func()
	warn := func() { m.fireWarning(trip) }
	expire := func() { m.fireExpiry(trip.ID) }

	if m.warner != nil && expireIn > 0 && trip.WarnedAt == nil {
		if warnIn > 0 {
			m.timers = append(m.timers, m.clock.AfterFunc(warnIn, warn))
		} else {
			due = append(due, warn)
		}
	}
	if expireIn > 0 {
		m.timers = append(m.timers, m.clock.AfterFunc(expireIn, expire))
	} else {
		due = append(due, expire)
	}
	return due
}

func (m *Manager) detachLocked() {
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.tripID = ""
	m.warned = false
	m.expiring = false
}

func (m *Manager) fireWarning(trip repo.Trip) {
	m.mu.Lock()
	ok := m.tripID == trip.ID && !m.warned
	if ok {
		m.warned = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	remaining := trip.RequestedAt.Add(m.timeout).Sub(m.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	m.warner.Warn(trip, remaining)
}

func (m *Manager) fireExpiry(tripID string) {
	m.mu.Lock()
	ok := m.tripID == tripID && !m.expiring
	if ok {
		m.expiring = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	_, err := m.expirer.Expire(m.ctx, tripID)
	switch {
	case err == nil:
	case errors.Is(err, fsm.ErrInvalidTransition):
		// The trip left pending on its own.
	case errors.Is(err, context.Canceled):
	default:
		m.logger.Errorf("timeout: expire trip %s failed: %v", tripID, err)
		m.mu.Lock()
		if m.tripID == tripID && !m.closed {
			m.expiring = false
			m.timers = append(m.timers, m.clock.AfterFunc(retryDelay, func() { m.fireExpiry(tripID) }))
		}
		m.mu.Unlock()
	}
}
