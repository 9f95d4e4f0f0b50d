package view

import (
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/pricing"
	"tripBack/internal/taxi/repo"
)

// View is what one party sees of its current trip.
type View struct {
	Trip        *repo.Trip `json:"trip"`
	Phrase      string     `json:"phrase"`
	Counterpart *geo.Point `json:"counterpart,omitempty"`
	// PickupDistanceKm is the distance from the driver to the pickup while
	// the driver is on the way.
	PickupDistanceKm *float64 `json:"pickup_distance_km,omitempty"`
	Degraded         bool     `json:"degraded"`
	Notice           string   `json:"notice,omitempty"`
}

// Idle reports whether the view has no trip.
func (v View) Idle() bool { return v.Trip == nil }

func build(role fsm.Role, trip *repo.Trip) View {
	v := View{Trip: trip, Phrase: Phrase(role, trip)}
	if trip == nil {
		return v
	}
	if role == fsm.RoleFulfiller {
		v.Counterpart = trip.RequesterPosition
	} else {
		v.Counterpart = trip.FulfillerPosition
	}
	if trip.Status == fsm.StatusAccepted && trip.FulfillerPosition != nil {
		d := pricing.Round2(geo.Distance(*trip.FulfillerPosition, trip.Pickup))
		v.PickupDistanceKm = &d
	}
	return v
}
