package gateway

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToCapacityThenBlocks(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	r := NewRateLimiter(3, 1)
	r.clk = fc

	for i := 0; i < 3; i++ {
		if !r.AllowGeneral("client-a") {
			t.Fatalf("request %d should be allowed within capacity", i)
		}
	}
	if r.AllowGeneral("client-a") {
		t.Fatal("4th request should be rate-limited")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	r := NewRateLimiter(60, 1)
	r.clk = fc

	for i := 0; i < 60; i++ {
		r.AllowGeneral("client-a")
	}
	if r.AllowGeneral("client-a") {
		t.Fatal("expected bucket to be empty")
	}

	fc.now = fc.now.Add(time.Minute)
	if !r.AllowGeneral("client-a") {
		t.Fatal("expected bucket to refill after a minute")
	}
}

func TestRateLimiterBucketsAreIndependentPerClient(t *testing.T) {
	r := NewRateLimiter(1, 1)
	if !r.AllowGeneral("a") {
		t.Fatal("first client should be allowed")
	}
	if !r.AllowGeneral("b") {
		t.Fatal("a different client should have its own bucket")
	}
}

func TestRateLimiterLifecycleBucketIsSeparate(t *testing.T) {
	r := NewRateLimiter(120, 1)
	if !r.AllowLifecycle("a") {
		t.Fatal("first lifecycle call should be allowed")
	}
	if r.AllowLifecycle("a") {
		t.Fatal("second immediate lifecycle call should be rate-limited")
	}
	if !r.AllowGeneral("a") {
		t.Fatal("general bucket should be unaffected by lifecycle bucket exhaustion")
	}
}
