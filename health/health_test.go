package health_test

import (
	"context"
	"testing"
	"time"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/health"
	"github.com/wyre-technology/autotask-queue/request"
)

// fakeClock is an adjustable clock for deterministic window tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeDepth is a canned pending-depth source.
type fakeDepth struct {
	depth int64
	err   error
}

func (f *fakeDepth) PendingCount(context.Context) (int64, error) { return f.depth, f.err }

func testItem(zone string) *request.Item {
	return request.NewItem(request.NewDescriptor(zone, []byte(`{}`)))
}

func newAggregator(t *testing.T, cfg atq.HealthConfig, clock *fakeClock, depth health.DepthSource) (*health.Aggregator, *breaker.Registry) {
	t.Helper()
	breakers := breaker.NewRegistry()
	return health.NewAggregator(cfg, breakers, depth, health.WithClock(clock)), breakers
}

func TestAggregator_MetricsFromWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute}, clock, &fakeDepth{depth: 7})

	ctx := context.Background()
	it := testItem("Z1")

	// Three successes at 100ms each, one terminal failure.
	for range 3 {
		if err := agg.OnCompleted(ctx, it, 100*time.Millisecond); err != nil {
			t.Fatalf("OnCompleted: %v", err)
		}
	}
	if err := agg.OnFailed(ctx, it, context.DeadlineExceeded); err != nil {
		t.Fatalf("OnFailed: %v", err)
	}

	snap, err := agg.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if snap.PendingCount != 7 {
		t.Errorf("PendingCount = %d, want 7", snap.PendingCount)
	}
	if snap.ErrorRate != 0.25 {
		t.Errorf("ErrorRate = %v, want 0.25", snap.ErrorRate)
	}
	if snap.AvgLatency != 100*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 100ms", snap.AvgLatency)
	}
	if want := 3.0 / 60.0; snap.ProcessingRate != want {
		t.Errorf("ProcessingRate = %v, want %v", snap.ProcessingRate, want)
	}
}

func TestAggregator_WindowPrunesOldOutcomes(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute}, clock, nil)

	ctx := context.Background()
	it := testItem("Z1")

	agg.OnFailed(ctx, it, context.DeadlineExceeded)
	agg.OnFailed(ctx, it, context.DeadlineExceeded)

	// Old failures fall out of the window; only the fresh success remains.
	clock.Advance(2 * time.Minute)
	agg.OnCompleted(ctx, it, 50*time.Millisecond)

	snap, err := agg.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if snap.ErrorRate != 0 {
		t.Errorf("ErrorRate = %v, want 0 after stale failures pruned", snap.ErrorRate)
	}
}

func TestAggregator_HealthDegradedByErrorRate(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute, MaxErrorRate: 0.5}, clock, nil)

	ctx := context.Background()
	it := testItem("Z1")

	agg.OnCompleted(ctx, it, time.Millisecond)
	if st := agg.Health(); !st.Healthy {
		t.Fatalf("Health = %+v, want healthy with one success", st)
	}

	agg.OnFailed(ctx, it, context.DeadlineExceeded)
	agg.OnFailed(ctx, it, context.DeadlineExceeded)
	if st := agg.Health(); st.Healthy {
		t.Error("Health reports healthy with error rate above threshold")
	}
}

func TestAggregator_HealthDegradedByOpenBreaker(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, breakers := newAggregator(t, atq.HealthConfig{Window: time.Minute}, clock, nil)

	b := breakers.Get("Z1")
	for range 5 {
		b.RecordFailure()
	}
	if b.State() != breaker.StateOpen {
		t.Fatal("test breaker did not open")
	}

	st := agg.Health()
	if st.Healthy {
		t.Error("Health reports healthy with an open breaker")
	}
	if len(st.Reasons) == 0 {
		t.Error("degraded status carries no reasons")
	}
}

func TestAggregator_ErrorRateAlertIsEdgeTriggered(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute, MaxErrorRate: 0.5}, clock, nil)

	alerts := agg.Subscribe("test")
	ctx := context.Background()
	it := testItem("Z1")

	// Cross the threshold, then keep failing: exactly one alert.
	agg.OnFailed(ctx, it, context.DeadlineExceeded)
	agg.OnFailed(ctx, it, context.DeadlineExceeded)
	agg.OnFailed(ctx, it, context.DeadlineExceeded)

	select {
	case a := <-alerts:
		if a.Kind != health.AlertErrorRate {
			t.Errorf("alert kind = %q, want %q", a.Kind, health.AlertErrorRate)
		}
		if a.ID.IsNil() {
			t.Error("alert carries a nil ID")
		}
	default:
		t.Fatal("no alert after threshold crossing")
	}
	select {
	case a := <-alerts:
		t.Fatalf("duplicate alert while still above threshold: %+v", a)
	default:
	}

	// Drop back under, then cross again: the alert rearms.
	clock.Advance(2 * time.Minute)
	agg.OnCompleted(ctx, it, time.Millisecond)
	agg.OnFailed(ctx, it, context.DeadlineExceeded)
	agg.OnFailed(ctx, it, context.DeadlineExceeded)

	select {
	case <-alerts:
	default:
		t.Error("no alert after re-crossing the threshold")
	}
}

func TestAggregator_BreakerOpenAlert(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute}, clock, nil)

	alerts := agg.Subscribe("test")
	ctx := context.Background()

	agg.OnBreakerStateChanged(ctx, "Z1", breaker.StateClosed, breaker.StateOpen)

	select {
	case a := <-alerts:
		if a.Kind != health.AlertBreakerOpen || a.Zone != "Z1" {
			t.Errorf("alert = %+v, want breaker_open for Z1", a)
		}
	default:
		t.Fatal("no alert after breaker opened")
	}

	// Recovery transitions are not alerts.
	agg.OnBreakerStateChanged(ctx, "Z1", breaker.StateHalfOpen, breaker.StateClosed)
	select {
	case a := <-alerts:
		t.Fatalf("unexpected alert on close transition: %+v", a)
	default:
	}
}

func TestAggregator_QueueDepthAlert(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	depth := &fakeDepth{depth: 11}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute, MaxQueueDepth: 10}, clock, depth)

	alerts := agg.Subscribe("test")
	it := testItem("Z1")

	agg.OnEnqueued(context.Background(), it)

	select {
	case a := <-alerts:
		if a.Kind != health.AlertQueueDepth {
			t.Errorf("alert kind = %q, want %q", a.Kind, health.AlertQueueDepth)
		}
	default:
		t.Fatal("no alert with depth above threshold")
	}
}

func TestAggregator_SlowSubscriberDropsNotBlocks(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute}, clock, nil)

	// Never read from the subscription; overflow must drop, not block.
	agg.Subscribe("slow")
	ctx := context.Background()
	for i := 0; i < health.DefaultAlertBuffer+5; i++ {
		agg.OnBreakerStateChanged(ctx, "Z1", breaker.StateClosed, breaker.StateOpen)
	}

	if got := agg.Dropped(); got != 5 {
		t.Errorf("Dropped = %d, want 5", got)
	}
}

func TestAggregator_ShutdownClosesSubscriptions(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	agg, _ := newAggregator(t, atq.HealthConfig{Window: time.Minute}, clock, nil)

	alerts := agg.Subscribe("test")
	if err := agg.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}

	if _, open := <-alerts; open {
		t.Error("subscription still open after shutdown")
	}
}
