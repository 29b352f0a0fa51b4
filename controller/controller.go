// Package controller is the queue façade. It opens the configured store,
// wires the intake guard, breakers, retry policy, hooks, health aggregator,
// and dispatcher together, and exposes the caller-facing operations:
// enqueue, pause/resume, introspection, and graceful shutdown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/backoff"
	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/dispatcher"
	"github.com/wyre-technology/autotask-queue/health"
	"github.com/wyre-technology/autotask-queue/hook"
	"github.com/wyre-technology/autotask-queue/id"
	"github.com/wyre-technology/autotask-queue/intake"
	"github.com/wyre-technology/autotask-queue/request"
	"github.com/wyre-technology/autotask-queue/store"
)

// recoveryProbeTimeout bounds each store ping during unavailability
// recovery.
const recoveryProbeTimeout = 5 * time.Second

// ShutdownReport summarizes what a graceful shutdown left behind.
type ShutdownReport struct {
	// Undrained counts items still non-terminal in the store when the
	// drain deadline hit. Durable backends pick these up on restart.
	Undrained int64
	// Discarded counts in-process completion handles settled with
	// ErrShuttingDown. Handles never survive the process regardless of
	// backend.
	Discarded int
}

// Controller owns the wired subsystem. Create with New, start with Start,
// and always finish with Shutdown.
type Controller struct {
	cfg       atq.Config
	store     request.Store
	ownsStore bool
	transport atq.Transport

	guard      *intake.Guard
	breakers   *breaker.Registry
	policy     *backoff.Policy
	hooks      *hook.Registry
	handles    *request.HandleRegistry
	health     *health.Aggregator
	dispatcher *dispatcher.Dispatcher

	logger *slog.Logger
	clock  request.Clock

	mu       sync.Mutex
	started  bool
	shutdown bool
	report   ShutdownReport

	recovering  atomic.Bool
	recoverCtx  context.Context
	recoverStop context.CancelFunc
	recoverWG   sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore injects a pre-built store instead of opening one from the
// config. The caller keeps ownership: Shutdown will not close it.
func WithStore(s request.Store) Option {
	return func(c *Controller) {
		c.store = s
		c.ownsStore = false
	}
}

// WithLogger sets a custom logger, shared with all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock injects a clock for tests.
func WithClock(clk request.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// New wires a controller from the configuration. The store is opened from
// cfg.Backend unless WithStore injects one.
func New(cfg atq.Config, transport atq.Transport, opts ...Option) (*Controller, error) {
	if transport == nil {
		return nil, fmt.Errorf("atq: transport is required")
	}

	c := &Controller{
		cfg:       cfg,
		transport: transport,
		ownsStore: true,
		logger:    slog.Default(),
		clock:     request.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		s, err := store.Open(cfg)
		if err != nil {
			return nil, err
		}
		c.store = s
	}

	c.hooks = hook.NewRegistry(c.logger)
	c.breakers = breaker.NewRegistry(
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithResetTimeout(cfg.Breaker.ResetTimeout),
		breaker.WithMonitoringPeriod(cfg.Breaker.MonitoringPeriod),
		breaker.OnStateChange(func(zone string, from, to breaker.State) {
			c.hooks.EmitBreakerStateChanged(context.Background(), zone, from, to)
		}),
	)
	c.policy = backoff.NewPolicy(
		cfg.Retry.BaseDelay,
		cfg.Retry.MaxDelay,
		cfg.Retry.MaxRetries+1,
		cfg.Retry.Jitter,
	)
	c.guard = intake.NewGuard(cfg.Intake, c.store)
	c.handles = request.NewHandleRegistry()

	c.health = health.NewAggregator(cfg.Health, c.breakers, c.store,
		health.WithClock(c.clock),
		health.WithLogger(c.logger),
	)
	c.hooks.Register(c.health)

	c.dispatcher = dispatcher.New(cfg, c.store, transport,
		c.breakers, c.policy, c.hooks, c.handles,
		dispatcher.WithLogger(c.logger),
		dispatcher.WithClock(c.clock),
	)

	c.recoverCtx, c.recoverStop = context.WithCancel(context.Background())
	return c, nil
}

// RegisterHook attaches a lifecycle hook. Must be called before Start; the
// hook registry is not synchronized against concurrent dispatch.
func (c *Controller) RegisterHook(h hook.Hook) {
	c.hooks.Register(h)
}

// Start launches dispatch. Idempotent.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return atq.ErrShuttingDown
	}
	if c.started {
		return nil
	}
	c.started = true

	c.logger.Info("queue controller starting",
		slog.String("backend", string(c.cfg.Backend)),
	)
	return c.dispatcher.Start(ctx)
}

// ──────────────────────────────────────────────────
// Intake
// ──────────────────────────────────────────────────

// Enqueue admits one request and returns its completion handle. Rejections
// carry ErrIntakePaused, ErrBackpressure, or ErrShuttingDown; a store
// outage surfaces as ErrStoreUnavailable and pauses intake until the
// backend recovers.
func (c *Controller) Enqueue(ctx context.Context, d request.Descriptor) (*request.Handle, error) {
	if c.isShutdown() {
		return nil, atq.ErrShuttingDown
	}
	if err := c.guard.Admit(ctx, 1); err != nil {
		return nil, err
	}

	rid, err := c.store.Enqueue(ctx, d)
	if err != nil {
		c.noteStoreError(err)
		return nil, err
	}

	h := c.handles.Track(rid)
	c.hooks.EmitEnqueued(ctx, request.NewItem(d))
	return h, nil
}

// EnqueueBatch admits a group of requests atomically where the backend
// allows, returning handles in input order. Admission is all-or-nothing:
// the whole group counts against the rate and depth gates.
func (c *Controller) EnqueueBatch(ctx context.Context, ds []request.Descriptor) ([]*request.Handle, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	if c.isShutdown() {
		return nil, atq.ErrShuttingDown
	}
	if err := c.guard.Admit(ctx, len(ds)); err != nil {
		return nil, err
	}

	rids, err := c.store.EnqueueBatch(ctx, ds)
	if err != nil {
		c.noteStoreError(err)
		return nil, err
	}

	handles := make([]*request.Handle, len(rids))
	for i, rid := range rids {
		handles[i] = c.handles.Track(rid)
		c.hooks.EmitEnqueued(ctx, request.NewItem(ds[i]))
	}
	return handles, nil
}

// PauseIntake rejects new enqueues until ResumeIntake. Dispatch continues.
func (c *Controller) PauseIntake() { c.guard.Pause() }

// ResumeIntake re-opens enqueue.
func (c *Controller) ResumeIntake() { c.guard.Resume() }

// ──────────────────────────────────────────────────
// Processing control
// ──────────────────────────────────────────────────

// PauseProcessing suspends claiming across all zones. In-flight dispatches
// finish; eligible items stay queued and intake remains open.
func (c *Controller) PauseProcessing() { c.dispatcher.Pause() }

// ResumeProcessing lifts PauseProcessing.
func (c *Controller) ResumeProcessing() { c.dispatcher.Resume() }

// ResetBreaker forces a zone's circuit back to closed. Administrative
// operation; the next dispatch outcome counts from a clean window.
func (c *Controller) ResetBreaker(zone string) { c.breakers.Reset(zone) }

// ──────────────────────────────────────────────────
// Introspection
// ──────────────────────────────────────────────────

// Get returns a copy of the item, or ErrItemNotFound.
func (c *Controller) Get(ctx context.Context, rid id.RequestID) (*request.Item, error) {
	return c.store.Get(ctx, rid)
}

// Counts returns item counts grouped by status.
func (c *Controller) Counts(ctx context.Context) (map[request.Status]int64, error) {
	return c.store.Counts(ctx)
}

// Zones lists zones that currently hold non-terminal items.
func (c *Controller) Zones(ctx context.Context) ([]string, error) {
	return c.store.Zones(ctx)
}

// BreakerStates returns the current circuit state per known zone.
func (c *Controller) BreakerStates() map[string]breaker.State {
	return c.breakers.States()
}

// Health is the cheap liveness answer, derived from in-memory state only.
func (c *Controller) Health() health.Status { return c.health.Health() }

// Metrics builds a full metrics snapshot, including a live store query.
func (c *Controller) Metrics(ctx context.Context) (health.Snapshot, error) {
	return c.health.Metrics(ctx)
}

// SubscribeAlerts registers an advisory alert subscriber. Slow consumers
// lose alerts rather than blocking the pipeline.
func (c *Controller) SubscribeAlerts(subscriberID string) <-chan health.Alert {
	return c.health.Subscribe(subscriberID)
}

// UnsubscribeAlerts removes and closes an alert subscription.
func (c *Controller) UnsubscribeAlerts(subscriberID string) {
	c.health.Unsubscribe(subscriberID)
}

// ──────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────

// Shutdown drains the queue gracefully: intake closes immediately,
// in-flight dispatches run to completion within the deadline, and items
// stranded in forming batches return to pending. If ctx carries no
// deadline, cfg.ShutdownTimeout applies. The report says what was left
// behind; repeated calls return the first report.
func (c *Controller) Shutdown(ctx context.Context) (ShutdownReport, error) {
	c.mu.Lock()
	if c.shutdown {
		report := c.report
		c.mu.Unlock()
		return report, nil
	}
	c.shutdown = true
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && c.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()
	}

	c.logger.Info("queue controller shutting down")
	c.guard.Pause()

	// Drain dispatch and stop the recovery prober concurrently; both are
	// bounded by the drain deadline.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.dispatcher.Stop(gctx) })
	g.Go(func() error {
		c.recoverStop()
		c.recoverWG.Wait()
		return nil
	})
	drainErr := g.Wait()

	var report ShutdownReport
	report.Discarded = c.handles.FailAll(atq.ErrShuttingDown)

	// The report query runs on a fresh context: the drain deadline being
	// spent must not hide what was left behind.
	countCtx, cancel := context.WithTimeout(context.Background(), recoveryProbeTimeout)
	defer cancel()
	undrained, err := c.store.PendingCount(countCtx)
	if err != nil {
		c.logger.Warn("undrained count unavailable", slog.String("error", err.Error()))
	} else {
		report.Undrained = undrained
	}

	c.hooks.EmitShutdown(context.Background())

	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			c.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()

	c.logger.Info("queue controller stopped",
		slog.Int64("undrained", report.Undrained),
		slog.Int("discarded_handles", report.Discarded),
	)
	return report, drainErr
}

func (c *Controller) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// ──────────────────────────────────────────────────
// Store recovery
// ──────────────────────────────────────────────────

// noteStoreError reacts to a store outage: intake pauses and a single
// background prober pings the backend with exponential backoff until it
// answers, then re-opens intake.
func (c *Controller) noteStoreError(err error) {
	if !errors.Is(err, atq.ErrStoreUnavailable) {
		return
	}
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}

	c.guard.Pause()
	c.logger.Warn("store unavailable, pausing intake", slog.String("error", err.Error()))

	c.recoverWG.Add(1)
	go c.recoverLoop()
}

func (c *Controller) recoverLoop() {
	defer c.recoverWG.Done()
	defer c.recovering.Store(false)

	strategy := backoff.NewExponential(500*time.Millisecond, 10*time.Second)
	for {
		err := backoff.Retry(c.recoverCtx, strategy, 5, func() error {
			pingCtx, cancel := context.WithTimeout(c.recoverCtx, recoveryProbeTimeout)
			defer cancel()
			return c.store.Ping(pingCtx)
		})
		if c.recoverCtx.Err() != nil {
			return
		}
		if err == nil {
			c.logger.Info("store recovered, resuming intake")
			c.guard.Resume()
			return
		}
		c.logger.Warn("store still unavailable", slog.String("error", err.Error()))
	}
}
