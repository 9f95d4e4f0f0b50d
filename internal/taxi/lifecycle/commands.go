package lifecycle

import (
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
)

// Command is one trip action. The set is closed: only the types in this
// file implement it.
type Command interface {
	action() fsm.Action
}

// Request opens a new trip for a requester.
type Request struct {
	RequesterID string
	Pickup      *geo.Point
	Dropoff     *geo.Point
}

// Accept claims a pending trip for a fulfiller.
type Accept struct {
	TripID      string
	FulfillerID string
}

// Start begins the ride.
type Start struct {
	TripID      string
	FulfillerID string
}

// Complete ends the ride and fixes the fare.
type Complete struct {
	TripID      string
	FulfillerID string
}

// ConfirmPayment records that the fare was received.
type ConfirmPayment struct {
	TripID      string
	FulfillerID string
}

// Cancel aborts a trip on behalf of one of its parties.
type Cancel struct {
	TripID  string
	ActorID string
	Role    fsm.Role
}

// Expire cancels a trip nobody accepted in time.
type Expire struct {
	TripID string
}

func (Request) action() fsm.Action        { return fsm.ActionRequest }
func (Accept) action() fsm.Action         { return fsm.ActionAccept }
func (Start) action() fsm.Action          { return fsm.ActionStart }
func (Complete) action() fsm.Action       { return fsm.ActionComplete }
func (ConfirmPayment) action() fsm.Action { return fsm.ActionConfirmPayment }
func (Cancel) action() fsm.Action         { return fsm.ActionCancel }
func (Expire) action() fsm.Action         { return fsm.ActionExpire }
