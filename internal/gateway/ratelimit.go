package gateway

import (
	"sync"
	"time"
)

// bucket is one client's token bucket: capacity tokens refilled at rate
// tokens/minute, drained one token per allowed request.
type bucket struct {
	tokens   float64
	capacity float64
	perMin   float64
	last     time.Time
}

// RateLimiter is a per-client token bucket: a separate
// bucket per identifier (API key or source address), with distinct rates
// for general traffic and the lifecycle endpoints.
type RateLimiter struct {
	clk clock

	mu              sync.Mutex
	general         map[string]*bucket
	lifecyc         map[string]*bucket
	generalPerMin   int
	lifecyclePerMin int
}

// NewRateLimiter returns a RateLimiter with the given per-minute rates
// (defaults: 120 general, 10 lifecycle).
func NewRateLimiter(generalPerMin, lifecyclePerMin int) *RateLimiter {
	return &RateLimiter{
		clk:             realClock{},
		general:         make(map[string]*bucket),
		lifecyc:         make(map[string]*bucket),
		generalPerMin:   generalPerMin,
		lifecyclePerMin: lifecyclePerMin,
	}
}

// AllowGeneral reports whether client may make a general-endpoint request
// now, draining one token from its bucket if so.
func (r *RateLimiter) AllowGeneral(client string) bool {
	return r.allow(r.general, client, float64(r.generalPerMin))
}

// AllowLifecycle reports whether client may call a lifecycle endpoint
// (/agent/start|stop|restart, /model/switch) now.
func (r *RateLimiter) AllowLifecycle(client string) bool {
	return r.allow(r.lifecyc, client, float64(r.lifecyclePerMin))
}

func (r *RateLimiter) allow(buckets map[string]*bucket, client string, perMin float64) bool {
	if perMin <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	b, ok := buckets[client]
	if !ok {
		b = &bucket{tokens: perMin, capacity: perMin, perMin: perMin, last: now}
		buckets[client] = b
	}

	elapsed := now.Sub(b.last).Minutes()
	if elapsed > 0 {
		b.tokens += elapsed * b.perMin
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
