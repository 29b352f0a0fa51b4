// Package health aggregates dispatch outcomes into rolling-window metrics
// and advisory alerts. The Aggregator attaches to the hook registry as a
// regular lifecycle hook; it observes the pipeline and never influences
// dispatch, retry, or breaker decisions.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/hook"
	"github.com/wyre-technology/autotask-queue/id"
	"github.com/wyre-technology/autotask-queue/request"
)

// Compile-time interface checks.
var (
	_ hook.Hook                = (*Aggregator)(nil)
	_ hook.Enqueued            = (*Aggregator)(nil)
	_ hook.Completed           = (*Aggregator)(nil)
	_ hook.Retrying            = (*Aggregator)(nil)
	_ hook.Failed              = (*Aggregator)(nil)
	_ hook.BreakerStateChanged = (*Aggregator)(nil)
	_ hook.Shutdown            = (*Aggregator)(nil)
)

// DefaultAlertBuffer is the default per-subscriber alert buffer.
const DefaultAlertBuffer = 64

// AlertKind labels what threshold an alert crossed.
type AlertKind string

const (
	AlertErrorRate   AlertKind = "error_rate"
	AlertLatency     AlertKind = "latency"
	AlertQueueDepth  AlertKind = "queue_depth"
	AlertBreakerOpen AlertKind = "breaker_open"
)

// Alert is an advisory notification that a health threshold was crossed.
// Alerts never gate intake or dispatch.
type Alert struct {
	ID        id.AlertID `json:"id"`
	Kind      AlertKind  `json:"kind"`
	Zone      string     `json:"zone,omitempty"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	At        time.Time  `json:"at"`
}

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	PendingCount   int64                    `json:"pending_count"`
	ProcessingRate float64                  `json:"processing_rate"` // completions per second over the window
	ErrorRate      float64                  `json:"error_rate"`      // failed fraction of windowed outcomes
	AvgLatency     time.Duration            `json:"avg_latency"`
	BreakerStates  map[string]breaker.State `json:"breaker_states"`
}

// Status is the cheap liveness answer: healthy, or degraded with reasons.
type Status struct {
	Healthy bool     `json:"healthy"`
	Reasons []string `json:"reasons,omitempty"`
}

// outcome is one windowed dispatch outcome sample.
type outcome struct {
	at      time.Time
	failed  bool
	latency time.Duration
}

// Aggregator derives health and metrics from lifecycle events.
type Aggregator struct {
	cfg      atq.HealthConfig
	breakers *breaker.Registry
	depth    DepthSource
	clock    request.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	outcomes []outcome
	crossed  map[AlertKind]bool // edge-trigger state per alert kind

	subsMu  sync.Mutex
	subs    map[string]chan Alert
	dropped atomic.Int64
}

// DepthSource reports the store's pending depth. Satisfied by
// request.Store.
type DepthSource interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock injects a clock for tests.
func WithClock(c request.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator creates a health aggregator over the given breaker registry
// and pending-depth source.
func NewAggregator(cfg atq.HealthConfig, breakers *breaker.Registry, depth DepthSource, opts ...Option) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	a := &Aggregator{
		cfg:      cfg,
		breakers: breakers,
		depth:    depth,
		clock:    request.SystemClock{},
		logger:   slog.Default(),
		crossed:  make(map[AlertKind]bool),
		subs:     make(map[string]chan Alert),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements hook.Hook.
func (a *Aggregator) Name() string { return "health-aggregator" }

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnEnqueued checks the queue-depth threshold.
func (a *Aggregator) OnEnqueued(ctx context.Context, _ *request.Item) error {
	if a.cfg.MaxQueueDepth <= 0 || a.depth == nil {
		return nil
	}
	depth, err := a.depth.PendingCount(ctx)
	if err != nil {
		return nil // depth is advisory; a store hiccup is not a hook failure
	}
	a.checkThreshold(AlertQueueDepth, "", float64(depth), float64(a.cfg.MaxQueueDepth),
		fmt.Sprintf("queue depth %d exceeds %d", depth, a.cfg.MaxQueueDepth))
	return nil
}

// OnCompleted records a success sample.
func (a *Aggregator) OnCompleted(_ context.Context, _ *request.Item, elapsed time.Duration) error {
	a.record(outcome{at: a.clock.Now(), latency: elapsed})
	a.evaluate()
	return nil
}

// OnRetrying records a failure sample. A retried attempt still failed.
func (a *Aggregator) OnRetrying(_ context.Context, _ *request.Item, _ int, _ time.Time) error {
	a.record(outcome{at: a.clock.Now(), failed: true})
	a.evaluate()
	return nil
}

// OnFailed records a terminal failure sample.
func (a *Aggregator) OnFailed(_ context.Context, _ *request.Item, _ error) error {
	a.record(outcome{at: a.clock.Now(), failed: true})
	a.evaluate()
	return nil
}

// OnBreakerStateChanged raises an advisory alert when a zone opens.
func (a *Aggregator) OnBreakerStateChanged(_ context.Context, zone string, _, to breaker.State) error {
	if to == breaker.StateOpen {
		a.publish(Alert{
			ID:      id.NewAlertID(),
			Kind:    AlertBreakerOpen,
			Zone:    zone,
			Message: "circuit opened for zone " + zone,
			At:      a.clock.Now(),
		})
	}
	return nil
}

// OnShutdown closes all alert subscriptions.
func (a *Aggregator) OnShutdown(_ context.Context) error {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for key, ch := range a.subs {
		close(ch)
		delete(a.subs, key)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Health is the cheap liveness answer, derived from in-memory state only.
func (a *Aggregator) Health() Status {
	var reasons []string

	errRate, avgLatency, _ := a.windowStats()
	if a.cfg.MaxErrorRate > 0 && errRate > a.cfg.MaxErrorRate {
		reasons = append(reasons, fmt.Sprintf("error rate %.2f exceeds %.2f", errRate, a.cfg.MaxErrorRate))
	}
	if a.cfg.MaxLatency > 0 && avgLatency > a.cfg.MaxLatency {
		reasons = append(reasons, fmt.Sprintf("avg latency %s exceeds %s", avgLatency, a.cfg.MaxLatency))
	}
	for zone, st := range a.breakers.States() {
		if st == breaker.StateOpen {
			reasons = append(reasons, "circuit open for zone "+zone)
		}
	}

	return Status{Healthy: len(reasons) == 0, Reasons: reasons}
}

// Metrics builds a full snapshot, including a live pending-depth query.
func (a *Aggregator) Metrics(ctx context.Context) (Snapshot, error) {
	errRate, avgLatency, rate := a.windowStats()

	snap := Snapshot{
		ProcessingRate: rate,
		ErrorRate:      errRate,
		AvgLatency:     avgLatency,
		BreakerStates:  a.breakers.States(),
	}
	if a.depth != nil {
		depth, err := a.depth.PendingCount(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap.PendingCount = depth
	}
	return snap, nil
}

// Dropped returns how many alerts were discarded on full subscriber
// buffers.
func (a *Aggregator) Dropped() int64 { return a.dropped.Load() }

// ──────────────────────────────────────────────────
// Alert subscriptions
// ──────────────────────────────────────────────────

// Subscribe registers an alert subscriber. The channel is buffered; a slow
// consumer loses alerts rather than blocking the pipeline.
func (a *Aggregator) Subscribe(subscriberID string) <-chan Alert {
	ch := make(chan Alert, DefaultAlertBuffer)
	a.subsMu.Lock()
	a.subs[subscriberID] = ch
	a.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (a *Aggregator) Unsubscribe(subscriberID string) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	if ch, ok := a.subs[subscriberID]; ok {
		close(ch)
		delete(a.subs, subscriberID)
	}
}

func (a *Aggregator) publish(alert Alert) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- alert:
		default:
			a.dropped.Add(1)
		}
	}
}

// ──────────────────────────────────────────────────
// Window bookkeeping
// ──────────────────────────────────────────────────

func (a *Aggregator) record(o outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
	a.pruneLocked(a.clock.Now())
}

// windowStats returns error rate, average success latency, and completion
// rate over the rolling window.
func (a *Aggregator) windowStats() (errRate float64, avgLatency time.Duration, rate float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clock.Now())

	var failures, successes int
	var totalLatency time.Duration
	for _, o := range a.outcomes {
		if o.failed {
			failures++
			continue
		}
		successes++
		totalLatency += o.latency
	}

	total := failures + successes
	if total > 0 {
		errRate = float64(failures) / float64(total)
	}
	if successes > 0 {
		avgLatency = totalLatency / time.Duration(successes)
		rate = float64(successes) / a.cfg.Window.Seconds()
	}
	return errRate, avgLatency, rate
}

func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.Window)
	i := 0
	for i < len(a.outcomes) && a.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.outcomes = a.outcomes[i:]
	}
}

// evaluate checks the windowed thresholds and raises edge-triggered
// alerts: one alert per crossing, rearmed once the value falls back under.
func (a *Aggregator) evaluate() {
	errRate, avgLatency, _ := a.windowStats()

	if a.cfg.MaxErrorRate > 0 {
		a.checkThreshold(AlertErrorRate, "", errRate, a.cfg.MaxErrorRate,
			fmt.Sprintf("windowed error rate %.2f exceeds %.2f", errRate, a.cfg.MaxErrorRate))
	}
	if a.cfg.MaxLatency > 0 {
		a.checkThreshold(AlertLatency, "", float64(avgLatency), float64(a.cfg.MaxLatency),
			fmt.Sprintf("windowed avg latency %s exceeds %s", avgLatency, a.cfg.MaxLatency))
	}
}

func (a *Aggregator) checkThreshold(kind AlertKind, zone string, value, threshold float64, msg string) {
	a.mu.Lock()
	over := value > threshold
	wasOver := a.crossed[kind]
	a.crossed[kind] = over
	a.mu.Unlock()

	if !over || wasOver {
		return
	}

	a.logger.Warn("health threshold crossed",
		slog.String("kind", string(kind)),
		slog.Float64("value", value),
		slog.Float64("threshold", threshold),
	)
	a.publish(Alert{
		ID:        id.NewAlertID(),
		Kind:      kind,
		Zone:      zone,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		At:        a.clock.Now(),
	})
}
