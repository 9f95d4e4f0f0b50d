// Package clock abstracts time so timer-driven trip components can be
// tested without sleeping.
package clock

import "time"

// Clock is the time source used by timeouts, grace periods, throttling
// and polling loops.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously from
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer cancels a pending AfterFunc call.
type Timer interface {
	// Stop reports whether the call was prevented.
	Stop() bool
}

// Ticker delivers periodic ticks on C. Ticks are dropped if the reader
// falls behind.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
