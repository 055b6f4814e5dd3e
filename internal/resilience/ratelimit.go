package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ErrAcquireTimeout is returned when a token is not available within the acquire timeout.
var ErrAcquireTimeout = errors.New("rate limiter: acquire timeout")

// BucketState is a snapshot of a TokenBucket.
type BucketState struct {
	Capacity   float64
	Tokens     float64
	RefillRate float64 // tokens per second
	LastRefill time.Time
}

// TokenBucket is a process-local token bucket for one service identity.
// A 429 penalizes the refill rate; successes restore it toward the base rate.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	baseRate float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket creates a full bucket refilling at rate tokens/sec up to burst.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	if rate <= 0 {
		rate = DefaultRatePerSec
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &TokenBucket{
		capacity: float64(burst),
		tokens:   float64(burst),
		baseRate: rate,
		rate:     rate,
		last:     time.Now(),
		now:      time.Now,
	}
}

// refill must be called with mu held.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
}

// reserve takes a token if one is available, otherwise reports how long until one is.
func (b *TokenBucket) reserve() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	need := (1 - b.tokens) / b.rate
	return time.Duration(need * float64(time.Second)), false
}

// Acquire blocks until a token is available, ctx is done, or timeout elapses.
// A non-positive timeout waits as long as ctx allows.
func (b *TokenBucket) Acquire(ctx context.Context, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = b.now().Add(timeout)
	}
	for {
		wait, ok := b.reserve()
		if ok {
			return nil
		}
		if !deadline.IsZero() && b.now().Add(wait).After(deadline) {
			return ErrAcquireTimeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Penalize drains the bucket and halves the refill rate, bounded below by a fraction of the base rate.
func (b *TokenBucket) Penalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	b.tokens = 0
	b.rate = math.Max(b.rate/2, b.baseRate*penaltyFloor)
}

// Reward nudges a penalized rate back toward the base rate.
func (b *TokenBucket) Reward() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = math.Min(b.baseRate, b.rate*recoveryFactor)
}

// State returns a snapshot of the bucket.
func (b *TokenBucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	return BucketState{Capacity: b.capacity, Tokens: b.tokens, RefillRate: b.rate, LastRefill: b.last}
}

// Limiters holds one TokenBucket per service identity.
type Limiters struct {
	mu      sync.Mutex
	rate    float64
	burst   int
	buckets map[string]*TokenBucket
}

// NewLimiters creates a registry whose buckets default to rate and burst.
func NewLimiters(rate float64, burst int) *Limiters {
	return &Limiters{rate: rate, burst: burst, buckets: make(map[string]*TokenBucket)}
}

// Get returns the bucket for id, creating it on first use.
func (l *Limiters) Get(id string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[id]
	if !ok {
		b = NewTokenBucket(l.rate, l.burst)
		l.buckets[id] = b
	}
	return b
}

// Set installs a bucket with its own rate and burst for id.
func (l *Limiters) Set(id string, rate float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[id] = NewTokenBucket(rate, burst)
	slog.Debug("rate limiter configured", "service", id, "rate", rate, "burst", burst)
}
