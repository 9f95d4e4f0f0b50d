package view

import (
	"context"
	"sync"
	"time"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/repo"
)

// Logger is a minimal logger interface required by the synchronizer.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config holds required configuration subset.
type Config interface {
	GetSettledGrace() time.Duration
	GetCancelledGrace() time.Duration
}

// Source is the part of the store the synchronizer reads.
type Source interface {
	FindTrips(ctx context.Context, q repo.TripQuery) ([]repo.Trip, error)
	WatchTrip(ctx context.Context, id string) (*repo.TripWatch, error)
	WatchTrips(ctx context.Context, q repo.TripQuery) (*repo.PoolWatch, error)
}

// Observer is told about every change of the followed trip. A nil trip
// means there is no current trip.
type Observer interface {
	Observe(trip *repo.Trip)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(trip *repo.Trip)

// Observe calls f.
func (f ObserverFunc) Observe(trip *repo.Trip) { f(trip) }

// Synchronizer keeps one party's View in step with the shared trip record.
type Synchronizer struct {
	store          Source
	role           fsm.Role
	actorID        string
	clock          clock.Clock
	logger         Logger
	settledGrace   time.Duration
	cancelledGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	views chan View
	pools chan []repo.Trip

	// deliver orders observer calls; it is taken before mu, never after.
	deliver sync.Mutex

	mu        sync.Mutex
	observers []Observer
	onIdle    func()
	current   View
	gen       int
	stopTrip  func()
	grace     clock.Timer
	pool      []repo.Trip
	poolGen   int
	stopPool  func()
	stopOpen  func()
	closed    bool
}

// NewSynchronizer creates an idle synchronizer for actorID acting as role.
func NewSynchronizer(cfg Config, store Source, role fsm.Role, actorID string, clk clock.Clock, logger Logger) *Synchronizer {
	settled, cancelled := cfg.GetSettledGrace(), cfg.GetCancelledGrace()
	if settled <= 0 {
		settled = 10 * time.Second
	}
	if cancelled <= 0 {
		cancelled = 8 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		store:          store,
		role:           role,
		actorID:        actorID,
		clock:          clk,
		logger:         logger,
		settledGrace:   settled,
		cancelledGrace: cancelled,
		ctx:            ctx,
		cancel:         cancel,
		views:          make(chan View, 1),
		pools:          make(chan []repo.Trip, 1),
	}
}

// AddObserver registers o. Observers run on the goroutine delivering the
// change and must not block.
func (s *Synchronizer) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// OnIdle sets the function called when a finished trip's grace period
// ends and the view resets.
func (s *Synchronizer) OnIdle(f func()) {
	s.mu.Lock()
	s.onIdle = f
	s.mu.Unlock()
}

// Updates delivers the latest view. Unread views are replaced.
func (s *Synchronizer) Updates() <-chan View { return s.views }

// PoolUpdates delivers the latest list of pending trips.
func (s *Synchronizer) PoolUpdates() <-chan []repo.Trip { return s.pools }

// Current returns the latest view.
func (s *Synchronizer) Current() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Pool returns the latest list of pending trips.
func (s *Synchronizer) Pool() []repo.Trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repo.Trip(nil), s.pool...)
}

// Follow switches the view to tripID.
func (s *Synchronizer) Follow(tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	return s.followLocked(tripID)
}

func (s *Synchronizer) followLocked(tripID string) error {
	s.stopTripLocked()
	s.gen++
	gen := s.gen

	ctx, cancel := context.WithCancel(s.ctx)
	w, err := s.store.WatchTrip(ctx, tripID)
	if err != nil {
		cancel()
		s.current.Degraded = true
		s.current.Notice = degradedNotice
		s.publishLocked()
		return err
	}
	s.stopTrip = func() {
		cancel()
		w.Close()
	}
	go func() {
		for ev := range w.C {
			s.applyTrip(gen, ev)
		}
	}()
	return nil
}

// Resume restores the view after a restart. A requester picks up an own
// trip that is not settled or cancelled. A fulfiller follows its open
// trip as it appears and also watches the pending pool.
func (s *Synchronizer) Resume(ctx context.Context) error {
	if s.role == fsm.RoleFulfiller {
		return s.resumeFulfiller()
	}
	trips, err := s.store.FindTrips(ctx, repo.TripQuery{
		RequesterID: s.actorID,
		Statuses:    fsm.NonTerminal(),
		Newest:      true,
		Limit:       1,
	})
	if err != nil {
		s.mu.Lock()
		s.current.Degraded = true
		s.current.Notice = degradedNotice
		s.publishLocked()
		s.mu.Unlock()
		return err
	}
	if len(trips) == 0 {
		return nil
	}
	return s.Follow(trips[0].ID)
}

func (s *Synchronizer) resumeFulfiller() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	if s.stopOpen != nil {
		s.stopOpen()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w, err := s.store.WatchTrips(ctx, repo.TripQuery{
		FulfillerID: s.actorID,
		Statuses:    []fsm.Status{fsm.StatusAccepted, fsm.StatusActive, fsm.StatusCompleted},
		Newest:      true,
		Limit:       1,
	})
	if err != nil {
		cancel()
		return err
	}
	s.stopOpen = func() {
		cancel()
		w.Close()
	}
	go func() {
		for ev := range w.C {
			if ev.Err != nil || len(ev.Trips) == 0 {
				continue
			}
			s.mu.Lock()
			if !s.closed && (s.current.Trip == nil || s.current.Trip.ID != ev.Trips[0].ID) {
				if err := s.followLocked(ev.Trips[0].ID); err != nil {
					s.logger.Errorf("view: follow trip %s: %v", ev.Trips[0].ID, err)
				}
			}
			s.mu.Unlock()
		}
	}()
	return s.watchPoolLocked(nil)
}

// WatchPool restricts the pending pool to the geohash neighbourhood of
// near, or lifts the restriction when near is nil.
func (s *Synchronizer) WatchPool(near *geo.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	return s.watchPoolLocked(near)
}

func (s *Synchronizer) watchPoolLocked(near *geo.Point) error {
	if s.stopPool != nil {
		s.stopPool()
		s.stopPool = nil
	}
	s.poolGen++
	gen := s.poolGen

	q := repo.TripQuery{Statuses: []fsm.Status{fsm.StatusPending}}
	if near != nil {
		q.PickupCells = geo.Neighbourhood(*near)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w, err := s.store.WatchTrips(ctx, q)
	if err != nil {
		cancel()
		return err
	}
	s.stopPool = func() {
		cancel()
		w.Close()
	}
	go func() {
		for ev := range w.C {
			s.applyPool(gen, ev)
		}
	}()
	return nil
}

// Notify attaches an informational notice to the current view until the
// trip changes.
func (s *Synchronizer) Notify(notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Notice = notice
	s.publishLocked()
}

// Close stops every subscription and timer.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopTripLocked()
	if s.stopPool != nil {
		s.stopPool()
		s.stopPool = nil
	}
	if s.stopOpen != nil {
		s.stopOpen()
		s.stopOpen = nil
	}
	s.gen++
	s.poolGen++
	s.mu.Unlock()
	s.cancel()
}

func (s *Synchronizer) stopTripLocked() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	if s.stopTrip != nil {
		s.stopTrip()
		s.stopTrip = nil
	}
}

func (s *Synchronizer) applyTrip(gen int, ev repo.TripEvent) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	if ev.Err != nil {
		// The watch retries on its own; keep showing the last known trip.
		s.current.Degraded = true
		s.current.Notice = degradedNotice
		s.publishLocked()
		s.mu.Unlock()
		return
	}

	var trip *repo.Trip
	if ev.Found {
		t := ev.Trip
		trip = &t
	}
	prev := s.current
	next := build(s.role, trip)
	if prev.Trip != nil && trip != nil && prev.Trip.Status == trip.Status && prev.Trip.ID == trip.ID && !prev.Degraded {
		next.Notice = prev.Notice
	}
	s.current = next

	if trip != nil && fsm.Terminal(trip.Status) && (prev.Trip == nil || prev.Trip.ID != trip.ID || prev.Trip.Status != trip.Status) {
		grace := s.cancelledGrace
		if trip.Status == fsm.StatusSettled {
			grace = s.settledGrace
		}
		if s.grace != nil {
			s.grace.Stop()
		}
		s.grace = s.clock.AfterFunc(grace, func() { s.expireGrace(gen) })
	}
	s.publishLocked()
	s.mu.Unlock()

	s.notifyObservers(gen, trip)
}

// notifyObservers hands trip to the observers unless the view has moved
// on to another trip since gen, so a stale trip never reaches them after
// a newer one.
func (s *Synchronizer) notifyObservers(gen int, trip *repo.Trip) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return false
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.Observe(trip)
	}
	return true
}

func (s *Synchronizer) expireGrace(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.grace = nil
	if s.stopTrip != nil {
		s.stopTrip()
		s.stopTrip = nil
	}
	s.gen++
	idle := s.gen
	s.current = View{}
	onIdle := s.onIdle
	s.publishLocked()
	s.mu.Unlock()

	if s.notifyObservers(idle, nil) && onIdle != nil {
		onIdle()
	}
}

func (s *Synchronizer) applyPool(gen int, ev repo.PoolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.poolGen || s.closed {
		return
	}
	if ev.Err != nil {
		s.logger.Errorf("view: pending pool for %s: %v", s.actorID, ev.Err)
		return
	}
	s.pool = ev.Trips
	select {
	case <-s.pools:
	default:
	}
	s.pools <- append([]repo.Trip(nil), ev.Trips...)
}

// publishLocked replaces any unread view with the current one.
func (s *Synchronizer) publishLocked() {
	select {
	case <-s.views:
	default:
	}
	s.views <- s.current
}
