package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/backoff"
	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/dispatcher"
	"github.com/wyre-technology/autotask-queue/hook"
	"github.com/wyre-technology/autotask-queue/request"
	"github.com/wyre-technology/autotask-queue/store/memory"
)

func testConfig() atq.Config {
	cfg := atq.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DispatchTimeout = time.Second
	cfg.Retry.BaseDelay = 5 * time.Millisecond
	cfg.Retry.Jitter = false
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.ResetTimeout = 50 * time.Millisecond
	cfg.Batch.Enabled = false
	return cfg
}

type env struct {
	cfg      atq.Config
	store    *memory.Store
	breakers *breaker.Registry
	handles  *request.HandleRegistry
	d        *dispatcher.Dispatcher
}

func newEnv(t *testing.T, cfg atq.Config, transport atq.Transport, opts ...dispatcher.Option) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	breakers := breaker.NewRegistry(
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithResetTimeout(cfg.Breaker.ResetTimeout),
		breaker.WithMonitoringPeriod(cfg.Breaker.MonitoringPeriod),
	)
	policy := backoff.NewPolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.MaxRetries+1, cfg.Retry.Jitter)
	handles := request.NewHandleRegistry()

	opts = append([]dispatcher.Option{dispatcher.WithLogger(logger)}, opts...)
	d := dispatcher.New(cfg, store, transport, breakers, policy,
		hook.NewRegistry(logger), handles, opts...,
	)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})

	return &env{cfg: cfg, store: store, breakers: breakers, handles: handles, d: d}
}

// enqueue persists a descriptor and tracks its completion handle.
func (e *env) enqueue(t *testing.T, d request.Descriptor) *request.Handle {
	t.Helper()
	if _, err := e.store.Enqueue(context.Background(), d); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return e.handles.Track(d.ID)
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func okTransport(body string) atq.Transport {
	return atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		results := make([]atq.Result, len(payloads))
		for i := range results {
			results[i] = atq.Result{Body: []byte(body)}
		}
		return results, nil
	})
}

func TestDispatcher_SuccessResolvesHandle(t *testing.T) {
	e := newEnv(t, testConfig(), okTransport("ok"))

	h := e.enqueue(t, request.NewDescriptor("Z1", []byte("p")))

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle never resolved")
	}

	body, err := h.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}

	it, err := e.store.Get(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if it.Status != request.StatusCompleted || it.AttemptCount != 1 {
		t.Errorf("item = %q/%d attempts, want completed/1", it.Status, it.AttemptCount)
	}
}

func TestDispatcher_TransientFailureRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	transport := atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		if calls.Add(1) <= 2 {
			return nil, atq.NewTransientError(errors.New("remote overloaded"))
		}
		return []atq.Result{{Body: []byte("recovered")}}, nil
	})

	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 10 // keep the breaker out of this scenario
	e := newEnv(t, cfg, transport)

	h := e.enqueue(t, request.NewDescriptor("Z1", []byte("p")))

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle never resolved")
	}

	body, err := h.Result()
	if err != nil {
		t.Fatalf("Result() error = %v after retries", err)
	}
	if string(body) != "recovered" {
		t.Errorf("body = %q, want recovered", body)
	}

	it, _ := e.store.Get(context.Background(), h.ID())
	if it.AttemptCount != 3 {
		t.Errorf("attemptCount = %d, want 3", it.AttemptCount)
	}
}

func TestDispatcher_ExhaustionFailsTerminally(t *testing.T) {
	transport := atq.TransportFunc(func(_ context.Context, _ string, _ [][]byte) ([]atq.Result, error) {
		return nil, atq.NewTransientError(errors.New("always down"))
	})

	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 10
	e := newEnv(t, cfg, transport)

	h := e.enqueue(t, request.NewDescriptor("Z1", []byte("p"), request.WithMaxAttempts(2)))

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle never resolved")
	}

	_, err := h.Result()
	if !errors.Is(err, atq.ErrExhausted) {
		t.Fatalf("Result() error = %v, want ErrExhausted", err)
	}

	it, _ := e.store.Get(context.Background(), h.ID())
	if it.Status != request.StatusFailed || it.AttemptCount != 2 {
		t.Errorf("item = %q/%d attempts, want failed/2", it.Status, it.AttemptCount)
	}
}

func TestDispatcher_PermanentFailureSkipsRetryAndBreaker(t *testing.T) {
	transport := atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		return []atq.Result{{Err: atq.NewPermanentError(errors.New("rejected"))}}, nil
	})
	e := newEnv(t, testConfig(), transport)

	h := e.enqueue(t, request.NewDescriptor("Z1", []byte("p")))

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle never resolved")
	}

	_, err := h.Result()
	if !atq.IsPermanent(err) {
		t.Fatalf("Result() error = %v, want permanent", err)
	}

	it, _ := e.store.Get(context.Background(), h.ID())
	if it.Status != request.StatusFailed || it.AttemptCount != 1 {
		t.Errorf("item = %q/%d attempts, want failed after one attempt", it.Status, it.AttemptCount)
	}
	if got := e.breakers.Get("Z1").State(); got != breaker.StateClosed {
		t.Errorf("breaker state = %q, want closed (permanent failures carry no signal)", got)
	}
	if snap := e.breakers.Get("Z1").Snapshot(); snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", snap.ConsecutiveFailures)
	}
}

func TestDispatcher_ZoneIsolation(t *testing.T) {
	transport := atq.TransportFunc(func(_ context.Context, zone string, payloads [][]byte) ([]atq.Result, error) {
		if zone == "Z1" {
			return nil, atq.NewTransientError(errors.New("Z1 outage"))
		}
		results := make([]atq.Result, len(payloads))
		for i := range results {
			results[i] = atq.Result{Body: []byte("ok")}
		}
		return results, nil
	})
	e := newEnv(t, testConfig(), transport)

	// Enough attempts for the Z1 item to trip the threshold of 3.
	e.enqueue(t, request.NewDescriptor("Z1", []byte("p"), request.WithMaxAttempts(10)))
	h2 := e.enqueue(t, request.NewDescriptor("Z2", []byte("p")))

	waitFor(t, 3*time.Second, "Z1 breaker to open", func() bool {
		return e.breakers.Get("Z1").State() == breaker.StateOpen
	})

	// Z2 keeps dispatching while Z1 is open.
	select {
	case <-h2.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Z2 handle never resolved while Z1 was open")
	}
	if _, err := h2.Result(); err != nil {
		t.Errorf("Z2 result error = %v, want nil", err)
	}
}

func TestDispatcher_BreakerRecoversThroughProbe(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	transport := atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		if failing.Load() {
			return nil, atq.NewTransientError(errors.New("outage"))
		}
		results := make([]atq.Result, len(payloads))
		for i := range results {
			results[i] = atq.Result{Body: []byte("ok")}
		}
		return results, nil
	})
	e := newEnv(t, testConfig(), transport)

	h := e.enqueue(t, request.NewDescriptor("Z1", []byte("p"), request.WithMaxAttempts(50)))

	waitFor(t, 3*time.Second, "breaker to open", func() bool {
		return e.breakers.Get("Z1").State() == breaker.StateOpen
	})

	// Service recovers; after resetTimeout the probe goes through and the
	// zone resumes.
	failing.Store(false)

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("item never dispatched after recovery")
	}
	if _, err := h.Result(); err != nil {
		t.Errorf("result error = %v, want success after probe recovery", err)
	}

	waitFor(t, time.Second, "breaker to close", func() bool {
		return e.breakers.Get("Z1").State() == breaker.StateClosed
	})
}

func TestDispatcher_NoDuplicateDispatch(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	transport := atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		mu.Lock()
		for _, p := range payloads {
			seen[string(p)]++
		}
		mu.Unlock()
		results := make([]atq.Result, len(payloads))
		for i := range results {
			results[i] = atq.Result{Body: []byte("ok")}
		}
		return results, nil
	})
	e := newEnv(t, testConfig(), transport)

	const n = 20
	handles := make([]*request.Handle, 0, n)
	for i := 0; i < n; i++ {
		d := request.NewDescriptor("Z1", []byte{byte(i)})
		handles = append(handles, e.enqueue(t, d))
	}

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("handle never resolved")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for p, count := range seen {
		if count != 1 {
			t.Errorf("payload %x dispatched %d times, want exactly once", p, count)
		}
	}
	if len(seen) != n {
		t.Errorf("%d distinct payloads dispatched, want %d", len(seen), n)
	}
}

func TestDispatcher_PauseStopsClaiming(t *testing.T) {
	var calls atomic.Int32
	transport := atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		calls.Add(1)
		results := make([]atq.Result, len(payloads))
		for i := range results {
			results[i] = atq.Result{Body: []byte("ok")}
		}
		return results, nil
	})
	e := newEnv(t, testConfig(), transport)

	// Let the zone worker spawn, then pause.
	h1 := e.enqueue(t, request.NewDescriptor("Z1", []byte("a")))
	select {
	case <-h1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first item never dispatched")
	}

	e.d.Pause()
	before := calls.Load()

	h2 := e.enqueue(t, request.NewDescriptor("Z1", []byte("b")))
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != before {
		t.Fatal("transport called while paused")
	}
	select {
	case <-h2.Done():
		t.Fatal("item dispatched while paused")
	default:
	}

	e.d.Resume()
	select {
	case <-h2.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("item never dispatched after resume")
	}
}

func TestDispatcher_BatchesUpToMaxSize(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	transport := atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		mu.Lock()
		sizes = append(sizes, len(payloads))
		mu.Unlock()
		results := make([]atq.Result, len(payloads))
		for i := range results {
			results[i] = atq.Result{Body: []byte("ok")}
		}
		return results, nil
	})

	cfg := testConfig()
	cfg.Batch.Enabled = true
	cfg.Batch.MaxBatchSize = 3
	cfg.Batch.BatchTimeout = 30 * time.Millisecond
	e := newEnv(t, cfg, transport)

	// Four batchable items: a full batch of 3 plus a straggler that goes
	// out alone once the batch timeout fires.
	ds := []request.Descriptor{
		request.NewDescriptor("Z1", []byte("a")),
		request.NewDescriptor("Z1", []byte("b")),
		request.NewDescriptor("Z1", []byte("c")),
		request.NewDescriptor("Z1", []byte("d")),
	}
	handles := make([]*request.Handle, 0, len(ds))
	if _, err := e.store.EnqueueBatch(context.Background(), ds); err != nil {
		t.Fatalf("EnqueueBatch() error = %v", err)
	}
	for _, d := range ds {
		handles = append(handles, e.handles.Track(d.ID))
	}

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("handle never resolved")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, n := range sizes {
		if n > 3 {
			t.Errorf("batch of %d exceeds maxBatchSize 3", n)
		}
		total += n
	}
	if total != 4 {
		t.Errorf("dispatched %d items across batches, want 4", total)
	}
}

func TestDispatcher_NonBatchableDispatchesAlone(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	transport := atq.TransportFunc(func(_ context.Context, _ string, payloads [][]byte) ([]atq.Result, error) {
		mu.Lock()
		sizes = append(sizes, len(payloads))
		mu.Unlock()
		results := make([]atq.Result, len(payloads))
		for i := range results {
			results[i] = atq.Result{Body: []byte("ok")}
		}
		return results, nil
	})

	cfg := testConfig()
	cfg.Batch.Enabled = true
	cfg.Batch.MaxBatchSize = 10
	cfg.Batch.BatchTimeout = time.Second
	e := newEnv(t, cfg, transport)

	h := e.enqueue(t, request.NewDescriptor("Z1", []byte("solo"), request.WithBatchable(false)))

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("non-batchable item never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 1 || sizes[0] != 1 {
		t.Errorf("dispatch sizes = %v, want a single size-1 call", sizes)
	}
}

func TestDispatcher_StopReturnsFormingBatchToPending(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.Enabled = true
	cfg.Batch.MaxBatchSize = 10
	cfg.Batch.BatchTimeout = time.Hour // batch never becomes due on its own
	e := newEnv(t, cfg, okTransport("ok"))

	d := request.NewDescriptor("Z1", []byte("p"))
	e.enqueue(t, d)

	waitFor(t, 2*time.Second, "item to be claimed into a batch", func() bool {
		it, err := e.store.Get(context.Background(), d.ID)
		return err == nil && it.Status == request.StatusInBatch
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.d.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	it, err := e.store.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if it.Status != request.StatusPending {
		t.Errorf("status after drain = %q, want pending", it.Status)
	}
}

func TestDispatcher_StartAfterStopFails(t *testing.T) {
	e := newEnv(t, testConfig(), okTransport("ok"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.d.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// The dispatcher is one-shot: a restart would spin up workers against
	// an already-closed stop channel, so it must be refused outright.
	if err := e.d.Start(context.Background()); !errors.Is(err, atq.ErrShuttingDown) {
		t.Fatalf("Start() after Stop = %v, want ErrShuttingDown", err)
	}
}

func TestDispatcher_EmitsSpansAndMetrics(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	e := newEnv(t, testConfig(), okTransport("ok"),
		dispatcher.WithTelemetry(tp.Tracer("test"), mp.Meter("test")),
	)

	h := e.enqueue(t, request.NewDescriptor("Z1", []byte("p")))
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle never resolved")
	}

	waitFor(t, 2*time.Second, "dispatch span to end", func() bool {
		return len(spans.Ended()) > 0
	})
	span := spans.Ended()[0]
	if span.Name() != "atq.dispatch" {
		t.Errorf("span name = %q, want atq.dispatch", span.Name())
	}
	wantAttr := attribute.String("atq.zone", "Z1")
	found := false
	for _, a := range span.Attributes() {
		if a == wantAttr {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing %v", span.Attributes(), wantAttr)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	for _, want := range []string{"atq.dispatch.duration", "atq.dispatch.outcomes"} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("metric %q not recorded (got %v)", want, names)
		}
	}
}
