// Package backoff provides the retry delay policy for failed dispatches.
// The Policy is a pure function of the attempt count; strategies carry no
// mutable state beyond an optional seeded RNG and are safe for concurrent
// use when left on the default RNG.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted is returned by Policy.NextAttempt once the attempt count has
// reached the policy's cap. The caller marks the item terminally failed
// instead of rescheduling it.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
// Used for the stores' bounded internal I/O retries.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Policy
// ──────────────────────────────────────────────────

// Policy is the retry policy applied to transiently failed items:
// exponential backoff with upper-half jitter and a hard attempt cap.
//
//	delay  = min(MaxDelay, BaseDelay * 2^attemptCount)
//	jitter = uniform in [delay/2, delay]
//
// Jittering within the upper half keeps delays monotonically non-decreasing
// in expectation while desynchronizing retry storms across items.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      bool

	rng *rand.Rand
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithRand seeds the policy with a deterministic RNG for tests. The
// default uses the shared top-level generator.
func WithRand(rng *rand.Rand) PolicyOption {
	return func(p *Policy) { p.rng = rng }
}

// NewPolicy creates a retry policy. maxAttempts counts the initial dispatch
// plus retries.
func NewPolicy(baseDelay, maxDelay time.Duration, maxAttempts int, jitter bool, opts ...PolicyOption) *Policy {
	p := &Policy{
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		MaxAttempts: maxAttempts,
		Jitter:      jitter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NextAttempt returns the delay before re-dispatching an item that has
// already been attempted attemptCount times. It returns ErrExhausted when
// the cap is reached; no delay is computed in that case.
func (p *Policy) NextAttempt(attemptCount int) (time.Duration, error) {
	if attemptCount >= p.MaxAttempts {
		return 0, ErrExhausted
	}
	return p.DelayFor(attemptCount), nil
}

// DelayFor computes the (jittered) delay for an item already attempted
// attemptCount times, without applying the policy's attempt cap. Callers
// enforcing a per-item cap check exhaustion themselves.
func (p *Policy) DelayFor(attemptCount int) time.Duration {
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attemptCount)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if !p.Jitter {
		return delay
	}

	half := delay / 2
	return half + time.Duration(p.float64()*float64(delay-half))
}

func (p *Policy) float64() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64() //nolint:gosec // jitter intentionally uses non-crypto rand
}
