package webhooks

import (
	"math"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration. The whole
// schedule fits inside the audit notifier's default call timeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff retry logic
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}

	return &RetryPolicy{
		config: config,
	}
}

// ShouldRetry determines if a delivery should be retried
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil || isPermanent(err) {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay calculates the delay before the next retry
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// Exponential backoff: delay = initialDelay * (multiplier ^ (attempts - 1))
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))

	// Cap at max delay
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}

	return time.Duration(delay)
}
