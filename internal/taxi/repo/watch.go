package repo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"tripBack/internal/taxi/clock"
)

// TripEvent is the latest state of a watched trip. Found is false when the
// trip does not exist; Err is set when the backend could not be reached
// and the watch is retrying.
type TripEvent struct {
	Trip  Trip
	Found bool
	Err   error
}

// PoolEvent is the latest result of a watched query.
type PoolEvent struct {
	Trips []Trip
	Err   error
}

// TripWatch is a live subscription to one trip. Only the latest value is
// buffered. C is closed after Close or when the watch context ends.
type TripWatch struct {
	C     <-chan TripEvent
	close func()
}

// Close stops the subscription.
func (w *TripWatch) Close() { w.close() }

// PoolWatch is a live subscription to a trip query.
type PoolWatch struct {
	C     <-chan PoolEvent
	close func()
}

// Close stops the subscription.
func (w *PoolWatch) Close() { w.close() }

// mailbox is a one-slot channel where a new value replaces an unread one.
type mailbox[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ch: make(chan T, 1)}
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case <-m.ch:
	default:
	}
	m.ch <- v
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

// backoff produces jittered exponential retry delays.
type backoff struct {
	min, max time.Duration
	attempt  int
}

func newBackoff() *backoff {
	return &backoff{min: 500 * time.Millisecond, max: 30 * time.Second}
}

func (b *backoff) next() time.Duration {
	d := b.min << uint(b.attempt)
	if d <= 0 || d > b.max {
		d = b.max
	} else {
		b.attempt++
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (b *backoff) reset() { b.attempt = 0 }

// follow calls load once, then again on every signal, on every resync
// tick and after failures with backoff, until ctx ends.
func follow(ctx context.Context, clk clock.Clock, signals <-chan struct{}, resync time.Duration, load func(context.Context) error) {
	tick := clk.NewTicker(resync)
	defer tick.Stop()
	b := newBackoff()
	retry := make(chan struct{}, 1)
	var pending clock.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	run := func() {
		if err := load(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if pending != nil {
				pending.Stop()
			}
			pending = clk.AfterFunc(b.next(), func() {
				select {
				case retry <- struct{}{}:
				default:
				}
			})
			return
		}
		b.reset()
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			run()
		case <-tick.C():
			run()
		case <-retry:
			run()
		}
	}
}

// wait sleeps for d on clk or until ctx ends.
func wait(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	done := make(chan struct{})
	t := clk.AfterFunc(d, func() { close(done) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return true
	}
}
