package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffCurve computes the Retrying delay for a given attempt using
// cenkalti/backoff/v4's exponential backoff generator rather than a
// hand-rolled 2^retry, capped at maxInterval. MaxElapsedTime is left
// unbounded (0): the cap on attempt *count* is maxRetries, enforced by
// the scheduling package, not by how long retries may keep happening.
type BackoffCurve struct {
	maxInterval time.Duration
}

// NewBackoffCurve builds a curve capped at maxInterval.
func NewBackoffCurve(maxInterval time.Duration) *BackoffCurve {
	return &BackoffCurve{maxInterval: maxInterval}
}

// DelayForRetry returns how long to wait before the given retry attempt
// (1-indexed: the first retry after an initial failure is attempt 1).
func (c *BackoffCurve) DelayForRetry(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	// NextBackOff returns the current interval and increments afterward,
	// so seeding at 2s (not 1s) makes the Nth call return 2^N.
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0 // deterministic schedule, no jitter
	b.Reset()

	if attempt < 1 {
		attempt = 1
	}
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > c.maxInterval {
		d = c.maxInterval
	}
	return d
}
