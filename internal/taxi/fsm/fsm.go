package fsm

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a trip.
type Status string

// Status constants used by the trip state machine.
const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

// Action names a trip command.
type Action string

const (
	ActionRequest        Action = "request"
	ActionAccept         Action = "accept"
	ActionCancel         Action = "cancel"
	ActionStart          Action = "start"
	ActionComplete       Action = "complete"
	ActionConfirmPayment Action = "confirm_payment"
	ActionExpire         Action = "expire"
)

// Role is the party issuing an action.
type Role string

const (
	RoleRequester Role = "requester"
	RoleFulfiller Role = "fulfiller"
	RoleSystem    Role = "system"
)

// CancelReason distinguishes explicit cancels from timeouts.
type CancelReason string

const (
	ReasonRequester CancelReason = "requester"
	ReasonFulfiller CancelReason = "fulfiller"
	ReasonExpired   CancelReason = "expired"
)

// ErrInvalidTransition reports an action the current status does not permit.
var ErrInvalidTransition = errors.New("invalid status transition")

// order is the lifecycle order, used to keep Sources deterministic.
var order = []Status{StatusNone, StatusPending, StatusAccepted, StatusActive, StatusCompleted, StatusSettled, StatusCancelled}

type edge struct {
	to    Status
	roles []Role
}

var transitions = map[Status]map[Action]edge{
	StatusNone: {
		ActionRequest: {to: StatusPending, roles: []Role{RoleRequester}},
	},
	StatusPending: {
		ActionAccept: {to: StatusAccepted, roles: []Role{RoleFulfiller}},
		ActionCancel: {to: StatusCancelled, roles: []Role{RoleRequester}},
		ActionExpire: {to: StatusCancelled, roles: []Role{RoleSystem}},
	},
	StatusAccepted: {
		ActionStart:  {to: StatusActive, roles: []Role{RoleFulfiller}},
		ActionCancel: {to: StatusCancelled, roles: []Role{RoleRequester, RoleFulfiller}},
	},
	StatusActive: {
		ActionComplete: {to: StatusCompleted, roles: []Role{RoleFulfiller}},
	},
	StatusCompleted: {
		ActionConfirmPayment: {to: StatusSettled, roles: []Role{RoleFulfiller}},
	},
	StatusSettled:   {},
	StatusCancelled: {},
}

// Next returns the status reached when role performs action on a trip in
// status from.
func Next(from Status, action Action, role Role) (Status, error) {
	e, ok := transitions[from][action]
	if !ok || !e.allows(role) {
		return from, fmt.Errorf("%w: %s cannot %s a %q trip", ErrInvalidTransition, role, action, from)
	}
	return e.to, nil
}

// Sources lists the statuses from which role may perform action.
func Sources(action Action, role Role) []Status {
	var out []Status
	for _, s := range order {
		if e, ok := transitions[s][action]; ok && e.allows(role) {
			out = append(out, s)
		}
	}
	return out
}

// CanTransition returns whether some action moves a trip from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, e := range transitions[from] {
		if e.to == to {
			return true
		}
	}
	return false
}

func (e edge) allows(role Role) bool {
	for _, r := range e.roles {
		if r == role {
			return true
		}
	}
	return false
}

// Valid reports whether s is a stored trip status.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok && s != StatusNone
}

// Terminal reports whether no further action applies to s.
func Terminal(s Status) bool {
	return s == StatusSettled || s == StatusCancelled
}

// NonTerminal returns the statuses that count as a requester's open trip.
// Completed is included because settlement is still outstanding.
func NonTerminal() []Status {
	return []Status{StatusPending, StatusAccepted, StatusActive, StatusCompleted}
}

// Tracked reports whether live positions are published in status s.
func Tracked(s Status) bool {
	return s == StatusAccepted || s == StatusActive
}

// HasFulfiller reports whether a trip in status s carries a fulfiller.
func HasFulfiller(s Status) bool {
	switch s {
	case StatusAccepted, StatusActive, StatusCompleted, StatusSettled:
		return true
	}
	return false
}
