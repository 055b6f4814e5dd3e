package resilience

import "time"

// Breaker defaults.
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 1
)

// Call defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
	DefaultJitterFactor   = 0.2 // 20% jitter
	DefaultAcquireTimeout = 30 * time.Second
)

// Rate limiter defaults.
const (
	DefaultRatePerSec = 2.0
	DefaultBurst      = 5

	// penaltyFloor bounds how far repeated 429s can slow a bucket, as a fraction of its base rate.
	penaltyFloor = 0.125
	// recoveryFactor restores a penalized rate per successful call.
	recoveryFactor = 1.25
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
}

// DefaultBreakerConfig returns production-ready defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}

// Policy describes how one external call is retried.
type Policy struct {
	Service        string // identity of the primary target, keys limiter and breaker
	Fallback       string // optional fallback target identity
	MaxAttempts    int    // cap on attempts for transient failures
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFactor   float64
	AcquireTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterFactor <= 0 {
		p.JitterFactor = DefaultJitterFactor
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = DefaultAcquireTimeout
	}
	return p
}
