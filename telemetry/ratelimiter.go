// Package telemetry provides structured logging and OpenTelemetry-backed
// metrics for the scheduler's supervisors, router, and adapters.
package telemetry

import (
	"sync"
	"time"
)

// RateLimiter allows at most one event per interval per key, so one
// crash-looping view's error lines don't eat the whole log's quota and
// starve every other view's errors out.
type RateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewRateLimiter builds a limiter allowing one Allow(key)==true per
// interval, independently for each key.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, lastSeen: make(map[string]time.Time)}
}

// Allow reports whether an event tagged with key may be logged now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if last, ok := r.lastSeen[key]; !ok || now.Sub(last) >= r.interval {
		r.lastSeen[key] = now
		return true
	}
	return false
}
