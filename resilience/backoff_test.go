package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffCurve_DoublesPerAttempt(t *testing.T) {
	c := NewBackoffCurve(time.Minute)

	assert.Equal(t, 2*time.Second, c.DelayForRetry(1))
	assert.Equal(t, 4*time.Second, c.DelayForRetry(2))
	assert.Equal(t, 8*time.Second, c.DelayForRetry(3))
}

func TestBackoffCurve_IncreasesThenCaps(t *testing.T) {
	c := NewBackoffCurve(5 * time.Second)

	d1 := c.DelayForRetry(1)
	d2 := c.DelayForRetry(2)
	d3 := c.DelayForRetry(3)

	assert.LessOrEqual(t, d1, 5*time.Second)
	assert.LessOrEqual(t, d2, 5*time.Second)
	assert.LessOrEqual(t, d3, 5*time.Second)
	assert.Less(t, d1, d2)
	assert.Less(t, d2, d3)

	d10 := c.DelayForRetry(10)
	assert.LessOrEqual(t, d10, 5*time.Second)
	assert.Equal(t, 5*time.Second, d10)
}

func TestBackoffCurve_ZeroOrNegativeAttemptTreatedAsFirst(t *testing.T) {
	c := NewBackoffCurve(time.Minute)
	d0 := c.DelayForRetry(0)
	d1 := c.DelayForRetry(1)
	assert.Equal(t, d0, d1)
}
