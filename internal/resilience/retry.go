package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Attempt describes one try of an external call.
type Attempt struct {
	Number      int    // 1-based
	Target      string // service identity being called, primary or fallback
	LowResource bool   // shrink context windows and model parameters
	Fallback    bool
}

// Wrapper owns the per-process limiter and breaker registries shared by all calls.
type Wrapper struct {
	limiters *Limiters
	breakers *Breakers
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWrapper creates a Wrapper over explicit registries.
func NewWrapper(limiters *Limiters, breakers *Breakers) *Wrapper {
	if limiters == nil {
		limiters = NewLimiters(DefaultRatePerSec, DefaultBurst)
	}
	if breakers == nil {
		breakers = NewBreakers(DefaultBreakerConfig())
	}
	return &Wrapper{limiters: limiters, breakers: breakers, sleep: sleepCtx}
}

// Limiters exposes the rate limiter registry.
func (w *Wrapper) Limiters() *Limiters { return w.limiters }

// Breakers exposes the circuit breaker registry.
func (w *Wrapper) Breakers() *Breakers { return w.breakers }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newBackOff(p Policy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.JitterFactor
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Call runs op under policy p.
//
// Before every attempt a token is taken from the target's bucket. Transient and
// rate-limited failures back off and retry up to p.MaxAttempts. A resource-exhausted
// failure retries once in low-resource mode, then once against p.Fallback when set.
// Permanent failures return immediately. op receives a context that is not cancelled
// with ctx, so an in-flight call is never preempted; waits between attempts are.
func Call[T any](ctx context.Context, w *Wrapper, p Policy, op func(context.Context, Attempt) (T, error)) (T, error) {
	var zero T
	p = p.withDefaults()
	log := trace.Logger(ctx)
	bo := newBackOff(p)
	callCtx := context.WithoutCancel(ctx)

	target := p.Service
	lowResource := false
	usedFallback := false
	transient := 0

	switchToFallback := func() bool {
		if p.Fallback == "" || usedFallback {
			return false
		}
		target, usedFallback, lowResource = p.Fallback, true, false
		return true
	}

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, apperrors.Wrap(err, apperrors.Cancelled, "call cancelled")
		}

		breaker := w.breakers.Get(target)
		if err := breaker.Allow(); err != nil {
			if switchToFallback() {
				log.Warn("breaker open, using fallback", "service", p.Service, "fallback", target)
				continue
			}
			return zero, &ServiceError{Service: target, Class: Transient, Err: err}
		}

		bucket := w.limiters.Get(target)
		if err := bucket.Acquire(ctx, p.AcquireTimeout); err != nil {
			if errors.Is(err, ErrAcquireTimeout) {
				return zero, apperrors.Wrapf(err, apperrors.Timeout, "rate limit wait for %s", target)
			}
			return zero, apperrors.Wrap(err, apperrors.Cancelled, "call cancelled")
		}

		att := Attempt{Number: n, Target: target, LowResource: lowResource, Fallback: usedFallback}
		res, err := op(callCtx, att)
		if err == nil {
			breaker.Success()
			bucket.Reward()
			return res, nil
		}

		class := Classify(err)
		serr := asServiceError(target, class, err)
		log.Warn("service call failed", "service", target, "attempt", n, "class", class.String(), "error", err)

		switch class {
		case Permanent:
			return zero, serr

		case ResourceExhausted:
			breaker.Failure()
			if !lowResource && !usedFallback {
				lowResource = true
				continue
			}
			if switchToFallback() {
				continue
			}
			return zero, serr

		case RateLimited:
			bucket.Penalize()
			log.Warn("rate limited, bucket penalized", "service", target, "rate", bucket.State().RefillRate)
			fallthrough

		default:
			breaker.Failure()
			transient++
			if transient >= p.MaxAttempts {
				return zero, serr
			}
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				return zero, serr
			}
			log.Debug("retrying after error", "attempt", n, "delay", delay)
			if err := w.sleep(ctx, delay); err != nil {
				return zero, apperrors.Wrap(err, apperrors.Cancelled, "call cancelled")
			}
		}
	}
}

func asServiceError(target string, class Class, err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		if se.Service == "" {
			se.Service = target
		}
		return se
	}
	return &ServiceError{Service: target, Class: class, Err: err}
}
