package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/pricing"
	"tripBack/internal/taxi/repo"
)

// Logger provides minimal logging required by the lifecycle service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Store is the subset of the trip store the service writes through.
type Store interface {
	CreateTrip(ctx context.Context, t repo.Trip) (repo.Trip, error)
	GetTrip(ctx context.Context, id string) (repo.Trip, error)
	ApplyMutation(ctx context.Context, m repo.Mutation) (repo.Trip, error)
	FindTrips(ctx context.Context, q repo.TripQuery) ([]repo.Trip, error)
	GetProfile(ctx context.Context, fulfillerID string) (repo.Profile, error)
	SaveProfile(ctx context.Context, p repo.Profile) error
}

// PriceSource supplies the fiat price of the settlement token. Zero means
// unknown.
type PriceSource interface {
	Price() float64
}

// RateSource supplies the average fleet rate. Zero means unknown.
type RateSource interface {
	AverageRate() float64
}

// SettlementHook is notified after a trip is settled.
type SettlementHook interface {
	TripSettled(ctx context.Context, trip repo.Trip)
}

// Service applies trip commands as single conditional writes.
type Service struct {
	cfg    Config
	store  Store
	prices PriceSource
	rates  RateSource
	clock  clock.Clock
	logger Logger

	mu    sync.RWMutex
	hooks []SettlementHook
}

// NewService constructs a Service instance. prices and rates may be nil.
func NewService(cfg Config, store Store, prices PriceSource, rates RateSource, clk clock.Clock, logger Logger) *Service {
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = pricing.DefaultRate
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{cfg: cfg, store: store, prices: prices, rates: rates, clock: clk, logger: logger}
}

// Config returns copy of the service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// OnSettled registers a hook run after every successful ConfirmPayment.
func (s *Service) OnSettled(h SettlementHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

func (s *Service) price() float64 {
	if s.prices == nil {
		return 0
	}
	return s.prices.Price()
}

func (s *Service) averageRate() float64 {
	if s.rates != nil {
		if r := s.rates.AverageRate(); r > 0 {
			return r
		}
	}
	return s.cfg.DefaultRate
}

// Execute runs one command.
func (s *Service) Execute(ctx context.Context, cmd Command) (repo.Trip, error) {
	switch c := cmd.(type) {
	case Request:
		return s.request(ctx, c)
	case Accept:
		return s.accept(ctx, c)
	case Start:
		return s.start(ctx, c)
	case Complete:
		return s.complete(ctx, c)
	case ConfirmPayment:
		return s.confirmPayment(ctx, c)
	case Cancel:
		return s.cancel(ctx, c)
	case Expire:
		return s.expire(ctx, c)
	}
	return repo.Trip{}, fmt.Errorf("unknown command %T", cmd)
}

// RequestTrip opens a trip from pickup to dropoff.
func (s *Service) RequestTrip(ctx context.Context, requesterID string, pickup, dropoff geo.Point) (repo.Trip, error) {
	return s.Execute(ctx, Request{RequesterID: requesterID, Pickup: &pickup, Dropoff: &dropoff})
}

// Accept claims a pending trip.
func (s *Service) Accept(ctx context.Context, tripID, fulfillerID string) (repo.Trip, error) {
	return s.Execute(ctx, Accept{TripID: tripID, FulfillerID: fulfillerID})
}

// Start moves an accepted trip to active.
func (s *Service) Start(ctx context.Context, tripID, fulfillerID string) (repo.Trip, error) {
	return s.Execute(ctx, Start{TripID: tripID, FulfillerID: fulfillerID})
}

// Complete ends an active trip and computes its fare.
func (s *Service) Complete(ctx context.Context, tripID, fulfillerID string) (repo.Trip, error) {
	return s.Execute(ctx, Complete{TripID: tripID, FulfillerID: fulfillerID})
}

// ConfirmPayment settles a completed trip.
func (s *Service) ConfirmPayment(ctx context.Context, tripID, fulfillerID string) (repo.Trip, error) {
	return s.Execute(ctx, ConfirmPayment{TripID: tripID, FulfillerID: fulfillerID})
}

// Cancel aborts a trip for the given party.
func (s *Service) Cancel(ctx context.Context, tripID, actorID string, role fsm.Role) (repo.Trip, error) {
	return s.Execute(ctx, Cancel{TripID: tripID, ActorID: actorID, Role: role})
}

// Expire cancels a trip that is still pending.
func (s *Service) Expire(ctx context.Context, tripID string) (repo.Trip, error) {
	return s.Execute(ctx, Expire{TripID: tripID})
}

// MarkWarned records that the requester was told the trip is about to
// expire. Only the first caller while the trip is pending gets true, so
// the warning goes out once however many sessions observe the trip.
func (s *Service) MarkWarned(ctx context.Context, tripID string) (bool, error) {
	now := s.clock.Now()
	_, err := s.store.ApplyMutation(ctx, repo.Mutation{
		TripID: tripID,
		When:   repo.Condition{Statuses: []fsm.Status{fsm.StatusPending}, Unwarned: true},
		Set:    repo.Update{WarnedAt: &now},
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) request(ctx context.Context, c Request) (repo.Trip, error) {
	if c.RequesterID == "" {
		return repo.Trip{}, fmt.Errorf("%w: requester id is required", ErrPreconditionUnmet)
	}
	if c.Pickup == nil || c.Dropoff == nil || !c.Pickup.Valid() || !c.Dropoff.Valid() {
		return repo.Trip{}, ErrMissingLocation
	}
	trip, err := s.store.CreateTrip(ctx, repo.Trip{
		RequesterID: c.RequesterID,
		Pickup:      *c.Pickup,
		Dropoff:     *c.Dropoff,
		Rate:        s.averageRate(),
		RequestedAt: s.clock.Now(),
	})
	if errors.Is(err, repo.ErrOpenTrip) {
		return repo.Trip{}, ErrOpenTrip
	}
	if err != nil {
		return repo.Trip{}, err
	}
	s.logger.Infof("trip %s: requested by %s at rate %.2f", trip.ID, trip.RequesterID, trip.Rate)
	return trip, nil
}

func (s *Service) accept(ctx context.Context, c Accept) (repo.Trip, error) {
	if c.FulfillerID == "" {
		return repo.Trip{}, fmt.Errorf("%w: fulfiller id is required", ErrPreconditionUnmet)
	}
	profile, err := s.store.GetProfile(ctx, c.FulfillerID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return repo.Trip{}, err
	}
	address := strings.TrimSpace(profile.SettlementAddress)
	if address == "" {
		return repo.Trip{}, ErrNoSettlementAddress
	}
	set := repo.Update{FulfillerID: c.FulfillerID, SettlementAddress: address}
	if profile.Rate > 0 {
		rate := profile.Rate
		set.Rate = &rate
	}
	return s.transition(ctx, c.TripID, fsm.ActionAccept, fsm.RoleFulfiller, c.FulfillerID, repo.Condition{Unclaimed: true}, set)
}

func (s *Service) start(ctx context.Context, c Start) (repo.Trip, error) {
	now := s.clock.Now()
	return s.transition(ctx, c.TripID, fsm.ActionStart, fsm.RoleFulfiller, c.FulfillerID,
		repo.Condition{FulfillerID: c.FulfillerID}, repo.Update{StartedAt: &now})
}

// complete reads the trip for its pickup, dropoff and rate. Those fields
// are immutable once the trip is accepted, so the conditional write on
// status still makes the transition atomic.
func (s *Service) complete(ctx context.Context, c Complete) (repo.Trip, error) {
	current, err := s.store.GetTrip(ctx, c.TripID)
	if err != nil {
		return repo.Trip{}, err
	}
	if current.Status != fsm.StatusActive || current.FulfillerID != c.FulfillerID {
		return current, s.rejected(current, fsm.ActionComplete, fsm.RoleFulfiller, c.FulfillerID)
	}
	now := s.clock.Now()
	fare := pricing.Compute(current.Pickup, current.Dropoff, current.Rate, s.price())
	return s.transition(ctx, c.TripID, fsm.ActionComplete, fsm.RoleFulfiller, c.FulfillerID,
		repo.Condition{FulfillerID: c.FulfillerID},
		repo.Update{EndedAt: &now, Fare: &fare, Clear: []repo.Field{repo.FieldFulfillerPosition, repo.FieldRequesterPosition}})
}

func (s *Service) confirmPayment(ctx context.Context, c ConfirmPayment) (repo.Trip, error) {
	trip, err := s.transition(ctx, c.TripID, fsm.ActionConfirmPayment, fsm.RoleFulfiller, c.FulfillerID,
		repo.Condition{FulfillerID: c.FulfillerID}, repo.Update{})
	if err != nil {
		return trip, err
	}
	s.mu.RLock()
	hooks := append([]SettlementHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h.TripSettled(ctx, trip)
	}
	return trip, nil
}

func (s *Service) cancel(ctx context.Context, c Cancel) (repo.Trip, error) {
	var when repo.Condition
	var reason fsm.CancelReason
	switch c.Role {
	case fsm.RoleRequester:
		when, reason = repo.Condition{RequesterID: c.ActorID}, fsm.ReasonRequester
	case fsm.RoleFulfiller:
		when, reason = repo.Condition{FulfillerID: c.ActorID}, fsm.ReasonFulfiller
	default:
		return repo.Trip{}, fmt.Errorf("%w: unknown role %q", ErrPreconditionUnmet, c.Role)
	}
	if c.ActorID == "" {
		return repo.Trip{}, fmt.Errorf("%w: actor id is required", ErrPreconditionUnmet)
	}
	return s.transition(ctx, c.TripID, fsm.ActionCancel, c.Role, c.ActorID, when,
		repo.Update{CancelReason: reason, Clear: []repo.Field{repo.FieldFulfillerPosition, repo.FieldRequesterPosition}})
}

// expire only applies to trips still waiting for a driver.
func (s *Service) expire(ctx context.Context, c Expire) (repo.Trip, error) {
	return s.transition(ctx, c.TripID, fsm.ActionExpire, fsm.RoleSystem, "",
		repo.Condition{Statuses: []fsm.Status{fsm.StatusPending}},
		repo.Update{CancelReason: fsm.ReasonExpired, Clear: []repo.Field{repo.FieldFulfillerPosition, repo.FieldRequesterPosition}})
}

// transition writes set guarded by when, restricted to the statuses from
// which role may perform action.
func (s *Service) transition(ctx context.Context, tripID string, action fsm.Action, role fsm.Role, actorID string, when repo.Condition, set repo.Update) (repo.Trip, error) {
	if len(when.Statuses) == 0 {
		when.Statuses = fsm.Sources(action, role)
	}
	if len(when.Statuses) == 0 {
		return repo.Trip{}, &TransitionError{TripID: tripID, Action: action, Role: role, Err: ErrInvalidTransition}
	}
	to, err := fsm.Next(when.Statuses[0], action, role)
	if err != nil {
		return repo.Trip{}, err
	}
	set.Status = to

	trip, err := s.store.ApplyMutation(ctx, repo.Mutation{TripID: tripID, When: when, Set: set})
	switch {
	case errors.Is(err, repo.ErrConflict):
		return trip, s.rejected(trip, action, role, actorID)
	case err != nil:
		if errors.Is(err, repo.ErrUnavailable) {
			s.logger.Errorf("trip %s: %s failed: %v", tripID, action, err)
		}
		return repo.Trip{}, err
	}

	switch {
	case trip.Expired():
		s.logger.Infof("trip %s: expired, no driver accepted in time", trip.ID)
	case action == fsm.ActionCancel:
		s.logger.Infof("trip %s: cancelled by %s %s", trip.ID, role, actorID)
	default:
		s.logger.Infof("trip %s: %s by %s %s, now %s", trip.ID, action, role, actorID, trip.Status)
	}
	return trip, nil
}

// rejected explains why a conditional write did not match current.
func (s *Service) rejected(current repo.Trip, action fsm.Action, role fsm.Role, actorID string) error {
	allowed := false
	for _, st := range fsm.Sources(action, role) {
		if st == current.Status {
			allowed = true
		}
	}
	if !allowed {
		cause := ErrInvalidTransition
		if action == fsm.ActionAccept && current.FulfillerID != "" {
			cause = ErrAlreadyAccepted
		}
		return &TransitionError{TripID: current.ID, Action: action, Role: role, From: current.Status, Err: cause}
	}
	return fmt.Errorf("trip %s: %w: %s %s", current.ID, ErrNotParticipant, role, actorID)
}

// Trip returns the current record.
func (s *Service) Trip(ctx context.Context, tripID string) (repo.Trip, error) {
	return s.store.GetTrip(ctx, tripID)
}

// OpenTrip finds the requester's trip that is not yet settled or
// cancelled, if any.
func (s *Service) OpenTrip(ctx context.Context, requesterID string) (repo.Trip, bool, error) {
	trips, err := s.store.FindTrips(ctx, repo.TripQuery{RequesterID: requesterID, Statuses: fsm.NonTerminal(), Newest: true, Limit: 1})
	if err != nil || len(trips) == 0 {
		return repo.Trip{}, false, err
	}
	return trips[0], true, nil
}

// PendingTrips lists unclaimed trips, oldest first. When near is set only
// trips picked up in its geohash neighbourhood are returned.
func (s *Service) PendingTrips(ctx context.Context, near *geo.Point) ([]repo.Trip, error) {
	q := repo.TripQuery{Statuses: []fsm.Status{fsm.StatusPending}}
	if near != nil {
		q.PickupCells = geo.Neighbourhood(*near)
	}
	return s.store.FindTrips(ctx, q)
}

// Estimate prices a prospective trip with the fleet average rate.
func (s *Service) Estimate(pickup, dropoff geo.Point) pricing.Fare {
	return pricing.Estimate(pickup, dropoff, s.averageRate(), s.price())
}

// Profile returns the fulfiller's profile.
func (s *Service) Profile(ctx context.Context, fulfillerID string) (repo.Profile, error) {
	return s.store.GetProfile(ctx, fulfillerID)
}

// SaveProfile stores the fulfiller's settlement address and rate.
func (s *Service) SaveProfile(ctx context.Context, fulfillerID, address string, rate float64) (repo.Profile, error) {
	if fulfillerID == "" {
		return repo.Profile{}, fmt.Errorf("%w: fulfiller id is required", ErrPreconditionUnmet)
	}
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return repo.Profile{}, ErrInvalidRate
	}
	p := repo.Profile{FulfillerID: fulfillerID, SettlementAddress: strings.TrimSpace(address), Rate: rate}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return repo.Profile{}, err
	}
	p.UpdatedAt = s.clock.Now()
	return p, nil
}

// History lists the fulfiller's finished trips, newest first.
func (s *Service) History(ctx context.Context, fulfillerID string) ([]repo.Trip, error) {
	return s.store.FindTrips(ctx, repo.TripQuery{
		FulfillerID: fulfillerID,
		Statuses:    []fsm.Status{fsm.StatusCompleted, fsm.StatusSettled},
		Newest:      true,
		Limit:       s.cfg.HistoryLimit,
	})
}

// Earnings sums the fiat amounts of the fulfiller's settled trips.
func (s *Service) Earnings(ctx context.Context, fulfillerID string) (float64, error) {
	trips, err := s.store.FindTrips(ctx, repo.TripQuery{FulfillerID: fulfillerID, Statuses: []fsm.Status{fsm.StatusSettled}})
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, t := range trips {
		if t.Fare != nil {
			total += t.Fare.AmountFiat
		}
	}
	return pricing.Round2(total), nil
}
