package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)
	var got []string
	c.AfterFunc(3*time.Second, func() { got = append(got, "b") })
	c.AfterFunc(1*time.Second, func() { got = append(got, "a") })
	c.AfterFunc(10*time.Second, func() { got = append(got, "c") })

	c.Advance(5 * time.Second)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected order %v", got)
	}
	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Fatalf("now not advanced: %v", c.Now())
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", c.Pending())
	}
}

func TestFakeStopPreventsCall(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("expected Stop to report true")
	}
	if tm.Stop() {
		t.Fatalf("second Stop must report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeCallbackSchedulesWithinAdvance(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	count := 0
	c.AfterFunc(time.Second, func() {
		count++
		c.AfterFunc(time.Second, func() { count++ })
	})
	c.Advance(3 * time.Second)
	if count != 2 {
		t.Fatalf("expected chained timers to fire, got %d", count)
	}
}

func TestFakeTickerDropsTicks(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	defer tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatalf("expected a tick")
	}
	select {
	case <-tk.C():
		t.Fatalf("ticks should not queue")
	default:
	}
}

func TestFakeZeroDurationRunsNow(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatalf("expected immediate call")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}
