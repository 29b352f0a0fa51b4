package breaker_test

import (
	"testing"
	"time"

	"github.com/wyre-technology/autotask-queue/breaker"
)

// fakeClock is an adjustable clock for deterministic breaker tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *breaker.Breaker {
	return breaker.New("Z1",
		breaker.WithFailureThreshold(3),
		breaker.WithResetTimeout(time.Second),
		breaker.WithMonitoringPeriod(time.Minute),
		breaker.WithClock(clock),
	)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if got := b.State(); got != breaker.StateClosed {
			t.Fatalf("state after %d failures = %q, want closed", i+1, got)
		}
	}

	b.RecordFailure()
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state after threshold failures = %q, want open", got)
	}

	if allowed, _ := b.Allow(); allowed {
		t.Error("Allow() = true while open, want false")
	}
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	b := newTestBreaker(clock)

	b.RecordFailure()
	b.RecordFailure()

	// Let the monitoring window lapse; the stale count must not carry over.
	clock.Advance(2 * time.Minute)
	b.RecordFailure()
	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("state = %q, want closed after window expiry", got)
	}

	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state = %q, want open after three failures in window", got)
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	b := newTestBreaker(clock)

	for range 3 {
		b.RecordFailure()
	}

	clock.Advance(999 * time.Millisecond)
	if allowed, _ := b.Allow(); allowed {
		t.Fatal("Allow() = true before resetTimeout, want false")
	}

	clock.Advance(2 * time.Millisecond)
	allowed, probe := b.Allow()
	if !allowed || !probe {
		t.Fatalf("Allow() = (%v, %v) after resetTimeout, want (true, true)", allowed, probe)
	}

	// Exactly one probe: a second dispatch is rejected while the probe is
	// in flight.
	if allowed, _ := b.Allow(); allowed {
		t.Error("Allow() = true with probe in flight, want false")
	}
}

func TestBreaker_CancelProbeFreesSlot(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	b := newTestBreaker(clock)

	for range 3 {
		b.RecordFailure()
	}
	clock.Advance(time.Second)

	if allowed, probe := b.Allow(); !allowed || !probe {
		t.Fatal("expected half-open probe to be admitted")
	}
	b.CancelProbe()

	// The slot is free again: the next caller gets the probe.
	if allowed, probe := b.Allow(); !allowed || !probe {
		t.Error("probe slot not released by CancelProbe")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	b := newTestBreaker(clock)

	for range 3 {
		b.RecordFailure()
	}
	clock.Advance(time.Second)

	if allowed, probe := b.Allow(); !allowed || !probe {
		t.Fatal("expected half-open probe to be admitted")
	}
	b.RecordSuccess()

	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("state after probe success = %q, want closed", got)
	}
	if snap := b.Snapshot(); snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d after close, want 0", snap.ConsecutiveFailures)
	}

	// A single new failure must not immediately re-open.
	b.RecordFailure()
	if got := b.State(); got != breaker.StateClosed {
		t.Errorf("state = %q after one failure post-reset, want closed", got)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	b := newTestBreaker(clock)

	for range 3 {
		b.RecordFailure()
	}
	clock.Advance(time.Second)

	if allowed, probe := b.Allow(); !allowed || !probe {
		t.Fatal("expected half-open probe to be admitted")
	}
	b.RecordFailure()

	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state after probe failure = %q, want open", got)
	}

	// The reset timer restarts from the probe failure.
	clock.Advance(500 * time.Millisecond)
	if allowed, _ := b.Allow(); allowed {
		t.Error("Allow() = true before fresh resetTimeout, want false")
	}
	clock.Advance(501 * time.Millisecond)
	if allowed, probe := b.Allow(); !allowed || !probe {
		t.Error("expected a new probe after fresh resetTimeout")
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}

	type transition struct{ from, to breaker.State }
	var seen []transition
	b := breaker.New("Z1",
		breaker.WithFailureThreshold(1),
		breaker.WithResetTimeout(time.Second),
		breaker.WithClock(clock),
		breaker.OnStateChange(func(_ string, from, to breaker.State) {
			seen = append(seen, transition{from, to})
		}),
	)

	b.RecordFailure() // closed → open
	clock.Advance(time.Second)
	b.Allow()         // open → half_open (probe admitted)
	b.RecordSuccess() // half_open → closed

	want := []transition{
		{breaker.StateClosed, breaker.StateOpen},
		{breaker.StateOpen, breaker.StateHalfOpen},
		{breaker.StateHalfOpen, breaker.StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions, want %d: %v", len(seen), len(want), seen)
	}
	for i, tr := range want {
		if seen[i] != tr {
			t.Errorf("transition %d = %v, want %v", i, seen[i], tr)
		}
	}
}

func TestRegistry_LazyPerZone(t *testing.T) {
	reg := breaker.NewRegistry(breaker.WithFailureThreshold(1))

	z1 := reg.Get("Z1")
	if again := reg.Get("Z1"); again != z1 {
		t.Error("Get returned a different breaker for the same zone")
	}

	z1.RecordFailure()
	if got := reg.Get("Z2").State(); got != breaker.StateClosed {
		t.Errorf("Z2 state = %q, want closed (zone isolation)", got)
	}

	states := reg.States()
	if states["Z1"] != breaker.StateOpen || states["Z2"] != breaker.StateClosed {
		t.Errorf("States() = %v, want Z1 open / Z2 closed", states)
	}

	reg.Reset("Z1")
	if got := reg.Get("Z1").State(); got != breaker.StateClosed {
		t.Errorf("Z1 state after Reset = %q, want closed", got)
	}
}
