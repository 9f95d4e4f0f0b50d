package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/pricing"
)

var (
	// ErrNotFound is returned when a trip or profile does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write finds the record in
	// a state other than the one the mutation requires.
	ErrConflict = errors.New("trip changed concurrently")
	// ErrOpenTrip is returned when a requester already has a trip that is
	// not settled or cancelled.
	ErrOpenTrip = errors.New("requester already has an open trip")
	// ErrUnavailable wraps transport and backend failures. Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Trip is the shared record of one transportation request.
type Trip struct {
	ID                string           `json:"id"`
	RequesterID       string           `json:"requester_id"`
	FulfillerID       string           `json:"fulfiller_id,omitempty"`
	Pickup            geo.Point        `json:"pickup"`
	Dropoff           geo.Point        `json:"dropoff"`
	PickupCell        string           `json:"pickup_cell,omitempty"`
	Status            fsm.Status       `json:"status"`
	CancelReason      fsm.CancelReason `json:"cancel_reason,omitempty"`
	RequestedAt       time.Time        `json:"requested_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	EndedAt           *time.Time       `json:"ended_at,omitempty"`
	WarnedAt          *time.Time       `json:"warned_at,omitempty"`
	FulfillerPosition *geo.Point       `json:"fulfiller_position,omitempty"`
	RequesterPosition *geo.Point       `json:"requester_position,omitempty"`
	Rate              float64          `json:"rate"`
	SettlementAddress string           `json:"settlement_address,omitempty"`
	Fare              *pricing.Fare    `json:"fare,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with t.
func (t Trip) Clone() Trip {
	out := t
	out.StartedAt = cloneTime(t.StartedAt)
	out.EndedAt = cloneTime(t.EndedAt)
	out.WarnedAt = cloneTime(t.WarnedAt)
	out.FulfillerPosition = clonePoint(t.FulfillerPosition)
	out.RequesterPosition = clonePoint(t.RequesterPosition)
	if t.Fare != nil {
		f := *t.Fare
		out.Fare = &f
	}
	return out
}

// Expired reports whether the trip was cancelled by the pending timeout.
func (t Trip) Expired() bool {
	return t.Status == fsm.StatusCancelled && t.CancelReason == fsm.ReasonExpired
}

// Profile is the fulfiller-owned payment configuration.
type Profile struct {
	FulfillerID       string    `json:"fulfiller_id"`
	SettlementAddress string    `json:"settlement_address"`
	Rate              float64   `json:"rate"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Field names a removable trip field.
type Field string

const (
	FieldFulfillerPosition Field = "fulfillerPosition"
	FieldRequesterPosition Field = "requesterPosition"
)

// Condition is the precondition of a conditional write. Empty members
// are not checked.
type Condition struct {
	Statuses    []fsm.Status
	Unclaimed   bool
	Unwarned    bool
	RequesterID string
	FulfillerID string
}

// Check reports whether t satisfies the condition.
func (c Condition) Check(t Trip) bool {
	if len(c.Statuses) > 0 && !containsStatus(c.Statuses, t.Status) {
		return false
	}
	if c.Unclaimed && t.FulfillerID != "" {
		return false
	}
	if c.Unwarned && t.WarnedAt != nil {
		return false
	}
	if c.RequesterID != "" && t.RequesterID != c.RequesterID {
		return false
	}
	if c.FulfillerID != "" && t.FulfillerID != c.FulfillerID {
		return false
	}
	return true
}

// Update lists the fields a mutation writes. Zero values leave the stored
// field untouched; Clear removes position fields.
type Update struct {
	Status            fsm.Status
	CancelReason      fsm.CancelReason
	FulfillerID       string
	SettlementAddress string
	Rate              *float64
	StartedAt         *time.Time
	EndedAt           *time.Time
	WarnedAt          *time.Time
	Fare              *pricing.Fare
	FulfillerPosition *geo.Point
	RequesterPosition *geo.Point
	Clear             []Field
}

// ApplyTo writes u into t.
func (u Update) ApplyTo(t *Trip, now time.Time) {
	if u.Status != fsm.StatusNone {
		t.Status = u.Status
	}
	if u.CancelReason != "" {
		t.CancelReason = u.CancelReason
	}
	if u.FulfillerID != "" {
		t.FulfillerID = u.FulfillerID
	}
	if u.SettlementAddress != "" {
		t.SettlementAddress = u.SettlementAddress
	}
	if u.Rate != nil {
		t.Rate = *u.Rate
	}
	if u.StartedAt != nil {
		t.StartedAt = cloneTime(u.StartedAt)
	}
	if u.EndedAt != nil {
		t.EndedAt = cloneTime(u.EndedAt)
	}
	if u.WarnedAt != nil {
		t.WarnedAt = cloneTime(u.WarnedAt)
	}
	if u.Fare != nil {
		f := *u.Fare
		t.Fare = &f
	}
	if u.FulfillerPosition != nil {
		t.FulfillerPosition = clonePoint(u.FulfillerPosition)
	}
	if u.RequesterPosition != nil {
		t.RequesterPosition = clonePoint(u.RequesterPosition)
	}
	for _, f := range u.Clear {
		switch f {
		case FieldFulfillerPosition:
			t.FulfillerPosition = nil
		case FieldRequesterPosition:
			t.RequesterPosition = nil
		}
	}
	t.UpdatedAt = now
}

// Mutation is a single atomic conditional write to one trip.
type Mutation struct {
	TripID string
	When   Condition
	Set    Update
}

// TripQuery selects trips. Results are ordered by request time, oldest
// first unless Newest is set.
type TripQuery struct {
	RequesterID     string
	FulfillerID     string
	Statuses        []fsm.Status
	PickupCells     []string
	RequestedBefore time.Time
	Newest          bool
	Limit           int
}

// Match reports whether t is selected by q, ignoring order and limit.
func (q TripQuery) Match(t Trip) bool {
	if q.RequesterID != "" && t.RequesterID != q.RequesterID {
		return false
	}
	if q.FulfillerID != "" && t.FulfillerID != q.FulfillerID {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, t.Status) {
		return false
	}
	if len(q.PickupCells) > 0 && !containsString(q.PickupCells, t.PickupCell) {
		return false
	}
	if !q.RequestedBefore.IsZero() && !t.RequestedAt.Before(q.RequestedBefore) {
		return false
	}
	return true
}

// sortTrips orders and truncates trips the way q asks.
func (q TripQuery) sortTrips(trips []Trip) []Trip {
	sort.SliceStable(trips, func(i, j int) bool {
		a, b := trips[i], trips[j]
		if a.RequestedAt.Equal(b.RequestedAt) {
			return a.ID < b.ID
		}
		if q.Newest {
			return a.RequestedAt.After(b.RequestedAt)
		}
		return a.RequestedAt.Before(b.RequestedAt)
	})
	if q.Limit > 0 && len(trips) > q.Limit {
		trips = trips[:q.Limit]
	}
	return trips
}

// Store is the shared document store holding trips and fulfiller profiles.
type Store interface {
	CreateTrip(ctx context.Context, t Trip) (Trip, error)
	GetTrip(ctx context.Context, id string) (Trip, error)
	ApplyMutation(ctx context.Context, m Mutation) (Trip, error)
	FindTrips(ctx context.Context, q TripQuery) ([]Trip, error)
	WatchTrip(ctx context.Context, id string) (*TripWatch, error)
	WatchTrips(ctx context.Context, q TripQuery) (*PoolWatch, error)

	GetProfile(ctx context.Context, fulfillerID string) (Profile, error)
	SaveProfile(ctx context.Context, p Profile) error
	SampleProfiles(ctx context.Context, limit int) ([]Profile, error)
}

// prepareTrip fills the fields every backend sets on create.
func prepareTrip(t Trip, now time.Time) Trip {
	t = t.Clone()
	t.Status = fsm.StatusPending
	if t.RequestedAt.IsZero() {
		t.RequestedAt = now
	}
	if t.PickupCell == "" {
		t.PickupCell = geo.Cell(t.Pickup)
	}
	t.UpdatedAt = now
	return t
}

func openTripQuery(requesterID string) TripQuery {
	return TripQuery{RequesterID: requesterID, Statuses: fsm.NonTerminal(), Limit: 1}
}

func containsStatus(list []fsm.Status, s fsm.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clonePoint(p *geo.Point) *geo.Point {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
