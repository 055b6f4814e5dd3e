// Package resilience wraps calls to external inference services with
// rate limiting, classified retries, a low-resource/fallback ladder and circuit breaking.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State represents circuit breaker state
type State uint32

const (
	Closed   State = iota // Normal operation
	Open                  // Failing fast
	HalfOpen              // Testing recovery
)

func (s State) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

// ErrOpen is returned by Allow while the breaker is failing fast.
var ErrOpen = errors.New("circuit breaker open")

// Breaker implements the circuit breaker pattern with atomic state for one service identity.
type Breaker struct {
	name          string
	cfg           BreakerConfig
	state         atomic.Uint32
	failures      atomic.Int32
	successes     atomic.Int32
	lastFailure   atomic.Int64 // unix nano
	now           func() time.Time
	onStateChange func(from, to State)
}

// NewBreaker creates a breaker for the named service.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
	b.state.Store(uint32(Closed))
	return b
}

// WithHook sets state change callback
func (b *Breaker) WithHook(fn func(from, to State)) *Breaker {
	b.onStateChange = fn
	return b
}

// Allow checks if request should proceed; returns nil if allowed
func (b *Breaker) Allow() error {
	if State(b.state.Load()) != Open {
		return nil
	}
	if b.shouldAttemptReset() {
		b.transition(HalfOpen)
		return nil
	}
	return ErrOpen
}

// Success records successful call
func (b *Breaker) Success() {
	switch State(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		b.failures.Store(0)
	}
}

// Failure records failed call
func (b *Breaker) Failure() {
	b.lastFailure.Store(b.now().UnixNano())
	count := b.failures.Add(1)

	switch State(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if count >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

// State returns current state
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Reset forces breaker to closed state
func (b *Breaker) Reset() {
	b.transition(Closed)
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(uint32(to)))
	if from == to {
		return
	}

	b.successes.Store(0)
	if to == Closed {
		b.failures.Store(0)
	}

	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (b *Breaker) shouldAttemptReset() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return b.now().Sub(time.Unix(0, last)) > b.cfg.ResetTimeout
}

// Breakers holds one Breaker per service identity.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakers creates a registry whose breakers share cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for id, creating it on first use. Registry breakers
// log every state change.
func (r *Breakers) Get(id string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[id]
	if !ok {
		b = NewBreaker(id, r.cfg)
		b.WithHook(logTransition(b))
		r.breakers[id] = b
	}
	return b
}

func logTransition(b *Breaker) func(from, to State) {
	return func(from, to State) {
		level := slog.LevelInfo
		if to == Open {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker "+to.String(),
			"service", b.name, "from", from.String(), "failures", b.failures.Load())
	}
}
