package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually driven Clock. Time only moves on Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	clock    *FakeClock
	seq      int
	deadline time.Time
	fn       func()

	// ticker state
	period time.Duration
	ch     chan time.Time

	stopped bool
}

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run when the clock is advanced past d. A
// non-positive d runs f immediately on the calling goroutine.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	w := c.addLocked(d, f, 0)
	if d <= 0 {
		w.stopped = true
		c.mu.Unlock()
		f()
		return w
	}
	c.mu.Unlock()
	return w
}

// NewTicker returns a Ticker fed by Advance.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.addLocked(d, nil, d)
	w.ch = make(chan time.Time, 1)
	return fakeTicker{w: w}
}

func (c *FakeClock) addLocked(d time.Duration, f func(), period time.Duration) *fakeWaiter {
	c.seq++
	w := &fakeWaiter{clock: c, seq: c.seq, deadline: c.now.Add(d), fn: f, period: period}
	c.waiters = append(c.waiters, w)
	return w
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is reached, in deadline order. Callbacks run synchronously
// and may schedule new timers, which fire in the same Advance if due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.nextDueLocked(target)
		if w == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = w.deadline
		if w.period > 0 {
			at := w.deadline
			w.deadline = w.deadline.Add(w.period)
			c.mu.Unlock()
			select {
			case w.ch <- at:
			default:
			}
			continue
		}
		w.stopped = true
		c.mu.Unlock()
		w.fn()
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	c.waiters = live
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].seq < c.waiters[j].seq
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}
	return c.waiters[0]
}

// Pending returns the number of timers and tickers still scheduled.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (w *fakeWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	if w.stopped {
		return false
	}
	w.stopped = true
	return true
}

type fakeTicker struct {
	w *fakeWaiter
}

func (t fakeTicker) C() <-chan time.Time { return t.w.ch }
func (t fakeTicker) Stop()               { t.w.Stop() }
