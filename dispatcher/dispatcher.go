// Package dispatcher drives dispatch: it discovers zones, runs one worker
// goroutine per zone, claims eligible items through the store's
// compare-and-swap, forms batches, invokes the transport, and routes
// outcomes back into the store, the retry policy, the circuit breakers, and
// the completion handles.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/backoff"
	"github.com/wyre-technology/autotask-queue/batch"
	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/hook"
	"github.com/wyre-technology/autotask-queue/request"
)

// claimBudget bounds how many items one poll claims per zone when batching
// is disabled.
const claimBudget = 16

// Dispatcher owns the per-zone workers. Zones are discovered from the
// store and a worker is created lazily per zone; workers are never removed,
// an idle zone's worker just polls.
type Dispatcher struct {
	store     request.Store
	transport atq.Transport
	breakers  *breaker.Registry
	policy    *backoff.Policy
	batches   *batch.Scheduler // nil when batching disabled
	hooks     *hook.Registry
	handles   *request.HandleRegistry
	telemetry *telemetry
	logger    *slog.Logger
	clock     request.Clock

	pollInterval    time.Duration
	dispatchTimeout time.Duration
	maxBatchSize    int

	paused atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool
	workers map[string]struct{}

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock injects a clock for tests.
func WithClock(c request.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTelemetry overrides the global OTel tracer and meter. Allows
// injecting SDK providers for testing or multi-provider setups.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(d *Dispatcher) { d.telemetry = newTelemetryWith(tracer, meter) }
}

// New creates a dispatcher. The batch scheduler is nil when batching is
// disabled in cfg; breakers, policy, hooks, and handles are shared with the
// controller.
func New(
	cfg atq.Config,
	store request.Store,
	transport atq.Transport,
	breakers *breaker.Registry,
	policy *backoff.Policy,
	hooks *hook.Registry,
	handles *request.HandleRegistry,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		store:           store,
		transport:       transport,
		breakers:        breakers,
		policy:          policy,
		hooks:           hooks,
		handles:         handles,
		telemetry:       newTelemetry(),
		logger:          slog.Default(),
		clock:           request.SystemClock{},
		pollInterval:    cfg.PollInterval,
		dispatchTimeout: cfg.DispatchTimeout,
		stopCh:          make(chan struct{}),
		workers:         make(map[string]struct{}),
		active:          make(map[string]context.CancelFunc),
	}
	if cfg.Batch.Enabled {
		d.batches = batch.NewScheduler(cfg.Batch.MaxBatchSize, cfg.Batch.BatchTimeout)
		d.maxBatchSize = cfg.Batch.MaxBatchSize
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches zone discovery. It returns immediately; workers spawn as
// zones appear in the store. The dispatcher is one-shot: once stopped it
// cannot be started again.
func (d *Dispatcher) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return atq.ErrShuttingDown
	}
	if d.running {
		return nil
	}
	d.running = true

	d.logger.Info("dispatcher starting",
		slog.Duration("poll_interval", d.pollInterval),
		slog.Bool("batching", d.batches != nil),
	)

	d.wg.Add(1)
	go d.discoverLoop()
	return nil
}

// Pause suspends claiming across all zones. In-flight dispatches finish
// and their outcomes are recorded; eligible items stay queued.
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume lifts a Pause.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Paused reports whether claiming is suspended.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Stop drains the dispatcher: workers stop claiming, in-flight dispatches
// run to completion, and items stranded in forming batches are returned to
// pending. If ctx expires first, in-flight transport calls are cancelled;
// their items take the transient path and stay durable as retrying.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.stopped = true
	d.mu.Unlock()

	d.logger.Info("dispatcher stopping")
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained")
	case <-ctx.Done():
		d.logger.Warn("dispatcher drain deadline exceeded, cancelling in-flight dispatches")
		d.cancelActive()
		<-done
	}

	d.restoreFormingBatches()
	return nil
}

// discoverLoop polls the store for zones and spawns a worker per new zone.
func (d *Dispatcher) discoverLoop() {
	defer d.wg.Done()

	for {
		zones, err := d.store.Zones(context.Background())
		if err != nil {
			d.logger.Error("zone discovery error", slog.String("error", err.Error()))
		} else {
			for _, zone := range zones {
				d.ensureWorker(zone)
			}
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *Dispatcher) ensureWorker(zone string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.workers[zone]; ok {
		return
	}
	d.workers[zone] = struct{}{}

	d.logger.Info("zone worker starting", slog.String("zone", zone))
	d.wg.Add(1)
	go d.zoneLoop(zone)
}

// restoreFormingBatches returns items stranded in forming batches to
// pending so they survive into the next run.
func (d *Dispatcher) restoreFormingBatches() {
	if d.batches == nil {
		return
	}

	d.mu.Lock()
	zones := make([]string, 0, len(d.workers))
	for z := range d.workers {
		zones = append(zones, z)
	}
	d.mu.Unlock()

	for _, zone := range zones {
		b := d.batches.Flush(zone)
		if b == nil {
			continue
		}
		for _, it := range b.Items {
			err := d.store.UpdateStatus(context.Background(), it.ID,
				request.StatusInBatch, request.StatusPending, request.Patch{})
			if err != nil {
				d.logger.Error("failed to return batched item to pending",
					slog.String("request_id", it.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (d *Dispatcher) trackDispatch(key string, cancel context.CancelFunc) {
	d.activeMu.Lock()
	d.active[key] = cancel
	d.activeMu.Unlock()
}

func (d *Dispatcher) untrackDispatch(key string) {
	d.activeMu.Lock()
	delete(d.active, key)
	d.activeMu.Unlock()
}

func (d *Dispatcher) cancelActive() {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	for key, cancel := range d.active {
		d.logger.Warn("cancelling in-flight dispatch", slog.String("dispatch", key))
		cancel()
	}
}
