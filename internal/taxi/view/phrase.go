package view

import (
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/repo"
)

const (
	expiredPhrase  = "Request expired: no driver accepted in time."
	degradedNotice = "Error fetching ride status."
)

var requesterPhrases = map[fsm.Status]string{
	fsm.StatusPending:   "Waiting for a driver to accept your ride...",
	fsm.StatusAccepted:  "Ride accepted! Waiting for driver to start...",
	fsm.StatusActive:    "Ride in progress. Enjoy your trip!",
	fsm.StatusCompleted: "Ride completed. Please make payment.",
	fsm.StatusSettled:   "Payment confirmed. Thank you!",
	fsm.StatusCancelled: "Ride cancelled. You can request a new ride.",
}

var fulfillerPhrases = map[fsm.Status]string{
	fsm.StatusPending:   "New ride request.",
	fsm.StatusAccepted:  "Ride accepted. Head to the pickup point.",
	fsm.StatusActive:    "Ride in progress.",
	fsm.StatusCompleted: "Ride completed. Waiting for payment.",
	fsm.StatusSettled:   "Payment received. Thank you!",
	fsm.StatusCancelled: "Ride cancelled.",
}

// Phrase returns the status line shown to role for trip. A nil trip
// gives the idle phrase, which is empty.
func Phrase(role fsm.Role, trip *repo.Trip) string {
	if trip == nil {
		return ""
	}
	if trip.Expired() {
		return expiredPhrase
	}
	if role == fsm.RoleFulfiller {
		return fulfillerPhrases[trip.Status]
	}
	return requesterPhrases[trip.Status]
}
