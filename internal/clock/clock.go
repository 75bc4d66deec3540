// Package clock abstracts the time operations used by the chat node so
// tests can drive announce ticks, auto-connect delays and connect
// timeouts deterministically. Both clocks sit on top of clockwork.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of the time package the node depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels
	// the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled callback.
type Timer struct {
	stop func() bool
}

// Stop prevents the Timer from firing. It reports whether the call
// stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the system clock.
func Real() Clock { return realClock{c: clockwork.NewRealClock()} }

type realClock struct {
	c clockwork.Clock
}

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := r.c.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
