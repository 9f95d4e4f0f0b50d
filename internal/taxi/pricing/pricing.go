package pricing

import (
	"math"

	"tripBack/internal/taxi/geo"
)

// DefaultRate is the per-kilometre rate used when no fleet rate is known.
const DefaultRate = 1.5

// Fare is the settlement amount of a trip. Distances are kilometres,
// AmountFiat is in the rate's currency and AmountToken in the settlement
// token.
type Fare struct {
	DistanceKm  float64 `json:"distance_km"`
	AmountFiat  float64 `json:"amount_fiat"`
	AmountToken float64 `json:"amount_token"`
}

// Compute calculates the fare for a straight-line trip. The fiat amount is
// priced on the rounded distance, so DistanceKm × rate always reproduces
// it. A non-positive price disables the token amount.
func Compute(pickup, dropoff geo.Point, rate, price float64) Fare {
	km := Round2(geo.Distance(pickup, dropoff))
	fiat := Round2(km * rate)
	fare := Fare{DistanceKm: km, AmountFiat: fiat}
	if price > 0 {
		fare.AmountToken = Round2(fiat / price)
	}
	return fare
}

// Estimate prices a trip before a fulfiller is known, using the average
// fleet rate. A non-positive average falls back to DefaultRate.
func Estimate(pickup, dropoff geo.Point, averageRate, price float64) Fare {
	if averageRate <= 0 {
		averageRate = DefaultRate
	}
	return Compute(pickup, dropoff, averageRate, price)
}

// Round2 rounds half-up to two decimal places on the scaled integer.
func Round2(v float64) float64 {
	if v < 0 {
		return -Round2(-v)
	}
	return math.Floor(float64(v*100)+0.5) / 100
}
