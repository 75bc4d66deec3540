package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FakeClock is a deterministic Clock over a clockwork fake. Time moves
// only when Advance is called; due callbacks run synchronously in the
// caller of Advance, in deadline order.
type FakeClock struct {
	fc *clockwork.FakeClock

	mu      sync.Mutex
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	timer    clockwork.Timer
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock positioned at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{fc: clockwork.NewFakeClockAt(initial)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time { return c.fc.Now() }

// AfterFunc registers f to run once the clock has advanced by d.
// A non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	w := &fakeWaiter{
		timer:    c.fc.NewTimer(d),
		deadline: c.fc.Now().Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		w.timer.Stop()
		return true
	}}
}

// Advance moves the clock forward by d, firing every callback whose
// deadline falls inside the window in deadline order. The clock reads
// each callback's deadline while it runs, so callbacks that reschedule
// themselves fire again if the new deadline is still inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	target := c.fc.Now().Add(d)

	for {
		w := c.popNext(target)
		if w == nil {
			break
		}
		if gap := w.deadline.Sub(c.fc.Now()); gap > 0 {
			c.fc.Advance(gap)
		}
		select {
		case <-w.timer.Chan():
		default:
		}
		w.callback()
	}

	if gap := target.Sub(c.fc.Now()); gap > 0 {
		c.fc.Advance(gap)
	}
}

// popNext removes and returns the earliest live waiter due at or before
// target. Returns nil when none is due.
func (c *FakeClock) popNext(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	c.waiters = live

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}

	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	w.fired = true
	return w
}

// PendingCount returns the number of registered callbacks that have
// neither fired nor been stopped.
func (c *FakeClock) PendingCount() int {
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
