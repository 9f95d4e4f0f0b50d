package lifecycle

import (
	"errors"
	"fmt"

	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/repo"
)

var (
	// ErrInvalidTransition is returned when the trip's status does not
	// permit the action. The record is left unchanged.
	ErrInvalidTransition = fsm.ErrInvalidTransition
	// ErrPreconditionUnmet is returned before any write when the action's
	// inputs are incomplete.
	ErrPreconditionUnmet = errors.New("precondition unmet")
	// ErrNotFound is returned for unknown trips.
	ErrNotFound = repo.ErrNotFound
	// ErrStoreUnavailable is returned on transient store failures; the
	// action can be retried as is.
	ErrStoreUnavailable = repo.ErrUnavailable
	// ErrNotParticipant is returned when the actor is not the party the
	// action requires.
	ErrNotParticipant = errors.New("actor is not a party to this trip")

	ErrAlreadyAccepted     = fmt.Errorf("%w: trip already has a driver", ErrInvalidTransition)
	ErrNoSettlementAddress = fmt.Errorf("%w: settlement address not configured", ErrPreconditionUnmet)
	ErrMissingLocation     = fmt.Errorf("%w: pickup and dropoff are required", ErrPreconditionUnmet)
	ErrOpenTrip            = fmt.Errorf("%w: requester already has an open trip", ErrPreconditionUnmet)
	ErrInvalidRate         = fmt.Errorf("%w: rate must not be negative", ErrPreconditionUnmet)
)

// TransitionError describes a rejected action.
type TransitionError struct {
	TripID string
	Action fsm.Action
	Role   fsm.Role
	From   fsm.Status
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("trip %s: %s cannot %s while %s: %v", e.TripID, e.Role, e.Action, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
