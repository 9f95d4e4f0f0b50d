package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/geo"
)

// Relay is a Positioner fed by samples pushed from a client connection.
type Relay struct {
	clock  clock.Clock
	maxAge time.Duration

	mu   sync.Mutex
	last *geo.Point
	at   time.Time
	subs map[chan geo.Point]struct{}
}

// NewRelay creates a relay. Current only returns samples younger than
// maxAge without waiting.
func NewRelay(clk clock.Clock, maxAge time.Duration) *Relay {
	return &Relay{clock: clk, maxAge: maxAge, subs: make(map[chan geo.Point]struct{})}
}

// Push delivers a sample to every watcher. Slow watchers only keep the
// latest sample.
func (r *Relay) Push(p geo.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := p
	r.last = &v
	r.at = r.clock.Now()
	for ch := range r.subs {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- p
		}
	}
}

// Current returns a fresh sample, or waits for the next one.
func (r *Relay) Current(ctx context.Context) (geo.Point, error) {
	r.mu.Lock()
	if r.last != nil && r.clock.Now().Sub(r.at) <= r.maxAge {
		p := *r.last
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	samples, _ := r.Watch(ctx)
	select {
	case p, ok := <-samples:
		if ok {
			return p, nil
		}
	case <-ctx.Done():
	}
	return geo.Point{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, ctx.Err())
}

// Watch streams pushed samples until ctx ends.
func (r *Relay) Watch(ctx context.Context) (<-chan geo.Point, error) {
	ch := make(chan geo.Point, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch, nil
}
