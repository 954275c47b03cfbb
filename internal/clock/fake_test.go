package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(1700000000, 0))
	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	c.Advance(1500 * time.Millisecond)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("expected only a to fire, got %v", fired)
	}
	c.Advance(2 * time.Second)
	if len(fired) != 3 || fired[1] != "b" || fired[2] != "c" {
		t.Fatalf("expected a,b,c, got %v", fired)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected first stop to report true")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeChainedTimersFireWithinOneAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var schedule func()
	schedule = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, schedule)
		}
	}
	c.AfterFunc(time.Second, schedule)
	c.Advance(5 * time.Second)
	if count != 3 {
		t.Fatalf("expected 3 chained fires, got %d", count)
	}
	if got := c.Now().Unix(); got != 5 {
		t.Fatalf("expected clock at 5s, got %d", got)
	}
}

func TestFakeNextDeadline(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	if _, ok := c.NextDeadline(); ok {
		t.Fatalf("expected no deadline on empty clock")
	}
	c.AfterFunc(4*time.Second, func() {})
	c.AfterFunc(2*time.Second, func() {})
	d, ok := c.NextDeadline()
	if !ok || d != 2*time.Second {
		t.Fatalf("expected 2s next deadline, got %v %v", d, ok)
	}
}
