package session

import (
	"context"
	"fmt"
	"time"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/repo"
	"tripBack/internal/taxi/timeout"
	"tripBack/internal/taxi/tracking"
	"tripBack/internal/taxi/view"
)

// Logger is a minimal logger interface required by sessions.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config holds required configuration subset.
type Config interface {
	timeout.Config
	view.Config
	tracking.Config
	GetOneShotTimeout() time.Duration
}

// Service is the part of the lifecycle service a session drives.
type Service interface {
	RequestTrip(ctx context.Context, requesterID string, pickup, dropoff geo.Point) (repo.Trip, error)
	Expire(ctx context.Context, tripID string) (repo.Trip, error)
	MarkWarned(ctx context.Context, tripID string) (bool, error)
}

// Store is the part of the shared store a session reads and writes.
type Store interface {
	view.Source
	tracking.Writer
}

// Notifier pushes a message to a party's devices.
type Notifier interface {
	Notify(ctx context.Context, role fsm.Role, actorID, title, body string) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Service  Service
	Store    Store
	Clock    clock.Clock
	Logger   Logger
	Notifier Notifier
}

// Session is one connected party: its view of the current trip, its
// position publisher and, for requesters, the pending timeout.
type Session struct {
	role     fsm.Role
	actorID  string
	deps     Deps
	oneShot  time.Duration
	view     *view.Synchronizer
	relay    *tracking.Relay
	pub      *tracking.Publisher
	timeouts *timeout.Manager

	ctx    context.Context
	cancel context.CancelFunc
}

// New composes a session for actorID acting as role.
func New(cfg Config, deps Deps, role fsm.Role, actorID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		role:    role,
		actorID: actorID,
		deps:    deps,
		oneShot: cfg.GetOneShotTimeout(),
		view:    view.NewSynchronizer(cfg, deps.Store, role, actorID, deps.Clock, deps.Logger),
		relay:   tracking.NewRelay(deps.Clock, cfg.GetPositionInterval()*5),
		pub:     tracking.NewPublisher(cfg, deps.Store, role, actorID, deps.Clock, deps.Logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.view.AddObserver(view.ObserverFunc(s.pub.Sync))
	if role == fsm.RoleRequester {
		s.timeouts = timeout.NewManager(cfg, deps.Service, timeout.WarnerFunc(s.warn), deps.Clock, deps.Logger)
		s.view.AddObserver(view.ObserverFunc(s.timeouts.Observe))
	}
	return s
}

// Role returns the party the session acts as.
func (s *Session) Role() fsm.Role { return s.role }

// ActorID returns the id of the connected party.
func (s *Session) ActorID() string { return s.actorID }

// Start restores the current trip and begins publishing positions.
func (s *Session) Start(ctx context.Context) error {
	go s.pub.Run(s.ctx, s.relay)
	return s.view.Resume(ctx)
}

// Offer feeds a device position sample.
func (s *Session) Offer(p geo.Point) {
	if !p.Valid() {
		return
	}
	s.relay.Push(p)
}

// Follow switches the view to tripID.
func (s *Session) Follow(tripID string) error {
	return s.view.Follow(tripID)
}

// Request opens a trip and follows it. Without a chosen pickup the
// device's current position is used.
func (s *Session) Request(ctx context.Context, pickup *geo.Point, dropoff geo.Point) (repo.Trip, error) {
	if pickup == nil {
		if p, ok := tracking.OneShot(ctx, s.relay, s.oneShot, s.deps.Logger); ok {
			pickup = &p
		}
	}
	if pickup == nil {
		return repo.Trip{}, tracking.ErrPositionUnavailable
	}
	trip, err := s.deps.Service.RequestTrip(ctx, s.actorID, *pickup, dropoff)
	if err != nil {
		return repo.Trip{}, err
	}
	if err := s.view.Follow(trip.ID); err != nil {
		s.deps.Logger.Errorf("session: follow trip %s: %v", trip.ID, err)
	}
	return trip, nil
}

// WatchPool narrows the pending pool to the area around near.
func (s *Session) WatchPool(near *geo.Point) error {
	return s.view.WatchPool(near)
}

// Current returns the latest view.
func (s *Session) Current() view.View { return s.view.Current() }

// Pool returns the latest pending trips.
func (s *Session) Pool() []repo.Trip { return s.view.Pool() }

// Updates delivers the latest view.
func (s *Session) Updates() <-chan view.View { return s.view.Updates() }

// PoolUpdates delivers the latest pending pool.
func (s *Session) PoolUpdates() <-chan []repo.Trip { return s.view.PoolUpdates() }

// Close releases every subscription and timer. Positions already on the
// trip stay until the trip leaves accepted or active.
func (s *Session) Close() {
	s.view.Close()
	if s.timeouts != nil {
		s.timeouts.Close()
	}
	s.pub.Close()
	s.cancel()
}

// warn tells the requester the trip is about to expire. The warning is
// claimed on the trip record first so a reconnecting requester is not
// warned again.
func (s *Session) warn(trip repo.Trip, remaining time.Duration) {
	first, err := s.deps.Service.MarkWarned(s.ctx, trip.ID)
	if err != nil {
		s.deps.Logger.Errorf("session: mark trip %s warned: %v", trip.ID, err)
		return
	}
	if !first {
		return
	}
	body := fmt.Sprintf("No driver has accepted yet. The request expires in %s.", remaining.Round(time.Second))
	s.view.Notify(body)
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(s.ctx, s.role, s.actorID, "Still looking for a driver", body); err != nil {
		s.deps.Logger.Errorf("session: warn requester %s: %v", s.actorID, err)
	}
}
