package webhooks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	})

	assert.Equal(t, time.Second, policy.NextRetryDelay(0))
	assert.Equal(t, time.Second, policy.NextRetryDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextRetryDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextRetryDelay(3))
	assert.Equal(t, 5*time.Second, policy.NextRetryDelay(4))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxAttempts: 2})
	transient := errors.New("connection reset")

	assert.False(t, policy.ShouldRetry(1, nil))
	assert.True(t, policy.ShouldRetry(1, transient))
	assert.False(t, policy.ShouldRetry(2, transient))
	assert.False(t, policy.ShouldRetry(1, permanent(transient)))
}

func TestRetryPolicy_Defaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, DefaultRetryConfig(), policy.config)
}
