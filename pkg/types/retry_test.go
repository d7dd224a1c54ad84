package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayForExponentialBackoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 3,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    80 * time.Millisecond,
		Multiplier:  2,
	}

	assert.Equal(t, 10*time.Millisecond, p.DelayFor(1))
	assert.Equal(t, 20*time.Millisecond, p.DelayFor(2))
	assert.Equal(t, 40*time.Millisecond, p.DelayFor(3))
	assert.Equal(t, 80*time.Millisecond, p.DelayFor(4))
	// Capped at MaxDelay from here on.
	assert.Equal(t, 80*time.Millisecond, p.DelayFor(5))
	assert.Equal(t, 80*time.Millisecond, p.DelayFor(100))
}

func TestAttemptsExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.False(t, p.AttemptsExhausted(0))
	assert.False(t, p.AttemptsExhausted(1))
	assert.False(t, p.AttemptsExhausted(3))
	assert.True(t, p.AttemptsExhausted(4))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.NotZero(t, p.MaxAttempts)
	assert.Greater(t, p.MaxDelay, p.MinDelay)
	assert.GreaterOrEqual(t, p.Multiplier, 1.0)
}
