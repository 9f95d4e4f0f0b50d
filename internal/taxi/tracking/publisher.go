package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/repo"
)

// ErrPositionUnavailable is reported when the device has no position fix.
var ErrPositionUnavailable = errors.New("position unavailable")

// Logger is a minimal logger interface required by the publisher.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config holds required configuration subset.
type Config interface {
	GetPositionInterval() time.Duration
}

// Writer applies conditional writes to trips.
type Writer interface {
	ApplyMutation(ctx context.Context, m repo.Mutation) (repo.Trip, error)
}

// Positioner is a source of device positions.
type Positioner interface {
	// Current returns one fix, waiting until ctx ends at most.
	Current(ctx context.Context) (geo.Point, error)
	// Watch streams fixes until ctx ends.
	Watch(ctx context.Context) (<-chan geo.Point, error)
}

// Publisher writes one actor's position onto the trip it takes part in.
// At most one write is made per interval; samples offered in between are
// coalesced and the latest one is written by a trailing flush.
type Publisher struct {
	store   Writer
	role    fsm.Role
	actorID string
	clock   clock.Clock
	logger  Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu          sync.Mutex
	tripID      string
	latest      *geo.Point
	flush       clock.Timer
	reservation *rate.Reservation
}

// NewPublisher creates a publisher for actorID acting as role.
func NewPublisher(cfg Config, store Writer, role fsm.Role, actorID string, clk clock.Clock, logger Logger) *Publisher {
	interval := cfg.GetPositionInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		store:   store,
		role:    role,
		actorID: actorID,
		clock:   clk,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Tracking returns the id of the trip positions are written to, or "".
func (p *Publisher) Tracking() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tripID
}

// Sync starts or stops tracking from the latest state of the actor's
// trip. When tracking stops the actor's position field is removed.
func (p *Publisher) Sync(trip *repo.Trip) {
	if trip != nil && fsm.Tracked(trip.Status) && p.participant(*trip) {
		p.mu.Lock()
		if p.tripID != trip.ID {
			p.resetLocked()
			p.tripID = trip.ID
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	tripID := p.tripID
	p.resetLocked()
	p.mu.Unlock()

	if tripID == "" || trip == nil || trip.ID != tripID || p.position(*trip) == nil {
		return
	}
	p.clear(tripID)
}

// Offer records a new sample. It is written at once if the interval
// allows, otherwise by the pending trailing flush.
func (p *Publisher) Offer(sample geo.Point) {
	if !sample.Valid() {
		return
	}
	p.mu.Lock()
	if p.tripID == "" {
		p.mu.Unlock()
		return
	}
	s := sample
	p.latest = &s
	if p.flush != nil {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		p.reservation = r
		p.flush = p.clock.AfterFunc(delay, p.flushLatest)
		p.mu.Unlock()
		return
	}
	tripID, latest := p.tripID, *p.latest
	p.latest = nil
	p.mu.Unlock()

	p.write(tripID, latest)
}

// Run feeds samples from pos until ctx ends.
func (p *Publisher) Run(ctx context.Context, pos Positioner) {
	samples, err := pos.Watch(ctx)
	if err != nil {
		p.logger.Errorf("tracking: %s %s: %v", p.role, p.actorID, err)
		return
	}
	for sample := range samples {
		p.Offer(sample)
	}
}

// Close stops tracking without clearing the stored position.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
	p.cancel()
}

func (p *Publisher) flushLatest() {
	p.mu.Lock()
	p.flush = nil
	p.reservation = nil
	if p.tripID == "" || p.latest == nil {
		p.mu.Unlock()
		return
	}
	tripID, latest := p.tripID, *p.latest
	p.latest = nil
	p.mu.Unlock()

	p.write(tripID, latest)
}

func (p *Publisher) resetLocked() {
	if p.flush != nil {
		p.flush.Stop()
		p.flush = nil
	}
	if p.reservation != nil {
		p.reservation.CancelAt(p.clock.Now())
		p.reservation = nil
	}
	p.tripID = ""
	p.latest = nil
}

func (p *Publisher) participant(t repo.Trip) bool {
	if p.role == fsm.RoleFulfiller {
		return t.FulfillerID == p.actorID
	}
	return t.RequesterID == p.actorID
}

func (p *Publisher) position(t repo.Trip) *geo.Point {
	if p.role == fsm.RoleFulfiller {
		return t.FulfillerPosition
	}
	return t.RequesterPosition
}

func (p *Publisher) condition() repo.Condition {
	if p.role == fsm.RoleFulfiller {
		return repo.Condition{FulfillerID: p.actorID}
	}
	return repo.Condition{RequesterID: p.actorID}
}

func (p *Publisher) field() repo.Field {
	if p.role == fsm.RoleFulfiller {
		return repo.FieldFulfillerPosition
	}
	return repo.FieldRequesterPosition
}

func (p *Publisher) write(tripID string, sample geo.Point) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	when := p.condition()
	when.Statuses = []fsm.Status{fsm.StatusAccepted, fsm.StatusActive}
	var set repo.Update
	if p.role == fsm.RoleFulfiller {
		set.FulfillerPosition = &sample
	} else {
		set.RequesterPosition = &sample
	}

	_, err := p.store.ApplyMutation(p.ctx, repo.Mutation{TripID: tripID, When: when, Set: set})
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrNotFound):
		p.mu.Lock()
		if p.tripID == tripID {
			p.resetLocked()
		}
		p.mu.Unlock()
	case errors.Is(err, context.Canceled):
	default:
		p.logger.Errorf("tracking: write %s position for trip %s: %v", p.role, tripID, err)
	}
}

func (p *Publisher) clear(tripID string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	m := repo.Mutation{TripID: tripID, When: p.condition(), Set: repo.Update{Clear: []repo.Field{p.field()}}}
	if _, err := p.store.ApplyMutation(p.ctx, m); err != nil && !errors.Is(err, repo.ErrNotFound) && !errors.Is(err, context.Canceled) {
		p.logger.Errorf("tracking: clear %s position for trip %s: %v", p.role, tripID, err)
	}
}

// OneShot asks pos for a single fix, giving up after timeout. Failures
// are logged and reported as false.
func OneShot(ctx context.Context, pos Positioner, timeout time.Duration, logger Logger) (geo.Point, bool) {
	if pos == nil {
		return geo.Point{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	point, err := pos.Current(ctx)
	if err != nil {
		logger.Infof("tracking: one-shot position: %v", err)
		return geo.Point{}, false
	}
	return point, true
}
