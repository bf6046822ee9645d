package gateway

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestCircuitBreakerTripsAtLimit(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	b := NewCircuitBreaker(3, 10*time.Minute)
	b.clk = fc

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		fc.now = fc.now.Add(time.Minute)
	}
	if b.Tripped() {
		t.Fatal("should not trip before reaching the limit")
	}
	b.RecordFailure()
	if !b.Tripped() {
		t.Fatal("expected breaker to trip at the limit")
	}
}

func TestCircuitBreakerWindowExpires(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	b := NewCircuitBreaker(3, 10*time.Minute)
	b.clk = fc

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if !b.Tripped() {
		t.Fatal("expected tripped immediately after 3 failures")
	}

	fc.now = fc.now.Add(11 * time.Minute)
	if b.Tripped() {
		t.Fatal("expected breaker to reset once the window has elapsed")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute)
	b.RecordFailure()
	if !b.Tripped() {
		t.Fatal("expected tripped after one failure with limit 1")
	}
	b.Reset()
	if b.Tripped() {
		t.Fatal("expected Reset to clear the tripped state")
	}
}
