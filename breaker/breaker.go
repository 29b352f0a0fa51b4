// Package breaker implements the per-zone circuit breaker that gates
// dispatch. Each zone gets its own state machine so one zone's outage never
// blocks dispatch to the others.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit state for a zone.
type State string

const (
	// StateClosed is the initial state: dispatch allowed, failures counted.
	StateClosed State = "closed"
	// StateOpen forbids dispatch to the zone. Eligible items remain
	// pending so they are retried once the breaker recovers.
	StateOpen State = "open"
	// StateHalfOpen permits exactly one probe dispatch.
	StateHalfOpen State = "half_open"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// StateChangeFunc is invoked after a zone's breaker transitions between
// states. Called outside the breaker's lock.
type StateChangeFunc func(zone string, from, to State)

// Breaker is the state machine for a single zone. Transitions are driven
// only by dispatch outcomes reported through RecordSuccess/RecordFailure;
// the breaker never pulls from the store.
type Breaker struct {
	zone             string
	failureThreshold int
	resetTimeout     time.Duration
	monitoringPeriod time.Duration
	clock            Clock
	onStateChange    StateChangeFunc

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	windowStart         time.Time
	openedAt            time.Time
	lastProbeAt         time.Time
	probeInFlight       bool
}

// Snapshot is a point-in-time view of a zone's breaker.
type Snapshot struct {
	Zone                string    `json:"zone"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at"`
	LastProbeAt         time.Time `json:"last_probe_at"`
}

// Option configures a Breaker or Registry.
type Option func(*settings)

type settings struct {
	failureThreshold int
	resetTimeout     time.Duration
	monitoringPeriod time.Duration
	clock            Clock
	onStateChange    StateChangeFunc
}

// WithFailureThreshold sets the consecutive-failure count that opens the
// circuit.
func WithFailureThreshold(n int) Option {
	return func(s *settings) { s.failureThreshold = n }
}

// WithResetTimeout sets how long an open circuit waits before admitting a
// half-open probe.
func WithResetTimeout(d time.Duration) Option {
	return func(s *settings) { s.resetTimeout = d }
}

// WithMonitoringPeriod bounds the window in which consecutive failures
// accumulate.
func WithMonitoringPeriod(d time.Duration) Option {
	return func(s *settings) { s.monitoringPeriod = d }
}

// WithClock injects a clock for tests.
func WithClock(c Clock) Option {
	return func(s *settings) { s.clock = c }
}

// OnStateChange registers a hook invoked on every state transition.
func OnStateChange(fn StateChangeFunc) Option {
	return func(s *settings) { s.onStateChange = fn }
}

func defaultSettings() settings {
	return settings{
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		monitoringPeriod: time.Minute,
		clock:            systemClock{},
	}
}

// New creates a breaker for the given zone in the Closed state.
func New(zone string, opts ...Option) *Breaker {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return &Breaker{
		zone:             zone,
		failureThreshold: s.failureThreshold,
		resetTimeout:     s.resetTimeout,
		monitoringPeriod: s.monitoringPeriod,
		clock:            s.clock,
		onStateChange:    s.onStateChange,
		state:            StateClosed,
	}
}

// Zone returns the zone this breaker guards.
func (b *Breaker) Zone() string { return b.zone }

// Allow reports whether a dispatch to the zone may proceed. probe is true
// when the dispatch is the single half-open probe; the caller must report
// its outcome so the breaker can settle. An Open breaker transitions to
// HalfOpen here once resetTimeout has elapsed since it opened.
func (b *Breaker) Allow() (allowed, probe bool) {
	b.mu.Lock()
	now := b.clock.Now()

	var change func()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true, false

	case StateOpen:
		if now.Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, false
		}
		change = b.transitionLocked(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			if change != nil {
				change()
			}
			return false, false
		}
		b.probeInFlight = true
		b.lastProbeAt = now
		b.mu.Unlock()
		if change != nil {
			change()
		}
		return true, true
	}

	b.mu.Unlock()
	return false, false
}

// CancelProbe returns an unused probe admission. Callers that took the
// probe slot but found nothing to dispatch must release it, otherwise the
// zone would stay half-open with no probe ever in flight.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// RecordSuccess reports a successful dispatch outcome. A half-open probe
// success closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.probeInFlight = false

	var change func()
	if b.state != StateClosed {
		change = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// RecordFailure reports a failed dispatch outcome. In Closed it counts the
// failure within the monitoring window and opens the circuit at the
// threshold; in HalfOpen the probe failure re-opens the circuit with a
// fresh window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.clock.Now()

	var change func()
	switch b.state {
	case StateClosed:
		// Reset the counter once the monitoring window has elapsed.
		if b.consecutiveFailures == 0 || now.Sub(b.windowStart) > b.monitoringPeriod {
			b.consecutiveFailures = 0
			b.windowStart = now
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.openedAt = now
			change = b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveFailures++
		b.openedAt = now
		b.windowStart = now
		change = b.transitionLocked(StateOpen)

	case StateOpen:
		// In-flight dispatches begun before the circuit opened may still
		// report; they do not restart the reset timer.
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// State returns the current state, applying the Open→HalfOpen timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to Closed with counters cleared.
// Administrative operation.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	var change func()
	if b.state != StateClosed {
		change = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Zone:                b.zone,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		LastProbeAt:         b.lastProbeAt,
	}
}

// transitionLocked flips the state and returns the deferred hook call.
// Caller holds b.mu and must invoke the returned func after unlocking.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	if b.onStateChange == nil || from == to {
		return nil
	}
	zone := b.zone
	hook := b.onStateChange
	return func() { hook(zone, from, to) }
}
