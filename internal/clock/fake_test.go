package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("after 2s: got %v, want [1 2]", order)
	}
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	c.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("after 3s: got %v, want [1 2 3]", order)
	}
	if !c.Now().Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("Now = %v, want %v", c.Now(), epoch.Add(3*time.Second))
	}
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("first Stop should report true")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}

	c.Advance(5 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d, want 0", got)
	}
}

func TestFakeRescheduleWithinWindow(t *testing.T) {
	c := Fake(epoch)

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3 * time.Second)
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}
}

func TestFakeNonPositiveRunsImmediately(t *testing.T) {
	c := Fake(epoch)

	fired := false
	timer := c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatal("zero-duration callback did not run synchronously")
	}
	if timer.Stop() {
		t.Error("Stop after immediate fire should report false")
	}
}

func TestRealAfterFunc(t *testing.T) {
	c := Real()

	fired := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}

	stopped := c.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Error("Stop on a pending timer should report true")
	}
}

func TestFakeAdvanceWithoutTimers(t *testing.T) {
	c := Fake(epoch)
	c.Advance(90 * time.Second)
	if want := epoch.Add(90 * time.Second); !c.Now().Equal(want) {
		t.Fatalf("Now = %v, want %v", c.Now(), want)
	}
}
