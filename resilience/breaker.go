// Package resilience provides the retry-backoff and circuit-breaker
// building blocks the supervisor uses to keep a misbehaving transform
// from being hammered by every partition of a table at once.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/viewmesh/scheduler/core"
)

// BreakerConfig configures every per-table circuit breaker a
// BreakerRegistry creates.
type BreakerConfig struct {
	// VolumeThreshold is the minimum number of requests in the rolling
	// window before the breaker will consider tripping.
	VolumeThreshold uint32
	// FailureRatio trips the breaker open once this fraction of requests
	// in the window fail.
	FailureRatio float64
	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = 10
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.5
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// BreakerRegistry hands out one gobreaker.TwoStepCircuitBreaker per table
// name, since a table's transformation logic and failure modes are
// shared across every partition underneath it — tripping the breaker for
// one partition's repeated failure protects every sibling partition's
// Transform dispatch too. The two-step form (Allow/done) fits Transform
// being dispatched asynchronously: the supervisor learns the outcome
// later, via an executor.Completion, not inline.
type BreakerRegistry struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerRegistry constructs a registry with the given per-table
// breaker settings.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	cfg.applyDefaults()
	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker)}
}

func (r *BreakerRegistry) breakerFor(tableName string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[tableName]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:    tableName,
		Timeout: r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= r.cfg.VolumeThreshold &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= r.cfg.FailureRatio
		},
	}
	b := gobreaker.NewTwoStepCircuitBreaker(settings)
	r.breakers[tableName] = b
	return b
}

// Allow reports whether a Transform dispatch for tableName may proceed.
// On success it returns a done func the caller must invoke exactly once,
// with the eventual executor.Completion's outcome, to report the result
// back to the breaker. If the breaker is open, Allow returns
// core.ErrCircuitOpen and a nil done.
func (r *BreakerRegistry) Allow(tableName string) (done func(success bool), err error) {
	b := r.breakerFor(tableName)
	done, err = b.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: table %s", core.ErrCircuitOpen, tableName)
	}
	return done, nil
}

// State returns the current state name ("closed", "open", "half-open")
// for tableName, for telemetry/diagnostics.
func (r *BreakerRegistry) State(tableName string) string {
	return r.breakerFor(tableName).State().String()
}
