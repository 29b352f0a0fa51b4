// Package hook defines the lifecycle hook system for the queue.
// Hooks are notified of lifecycle events (request enqueued, completed,
// retrying, breaker transitions, etc.) and can react to them — the health
// aggregator, logging, and external monitoring all attach here.
//
// Each lifecycle event is a separate interface so hooks opt in only to the
// events they care about.
package hook

import (
	"context"
	"time"

	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/request"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// Enqueued is called after an item is accepted into the store.
type Enqueued interface {
	OnEnqueued(ctx context.Context, it *request.Item) error
}

// DispatchStarted is called when a zone worker hands items to the transport.
type DispatchStarted interface {
	OnDispatchStarted(ctx context.Context, zone string, items []*request.Item) error
}

// Completed is called after an item succeeds.
type Completed interface {
	OnCompleted(ctx context.Context, it *request.Item, elapsed time.Duration) error
}

// Retrying is called when an item fails transiently and is rescheduled.
type Retrying interface {
	OnRetrying(ctx context.Context, it *request.Item, attempt int, nextEligibleAt time.Time) error
}

// Failed is called when an item fails terminally (permanent failure or
// attempts exhausted).
type Failed interface {
	OnFailed(ctx context.Context, it *request.Item, err error) error
}

// BreakerStateChanged is called when a zone's circuit breaker transitions.
type BreakerStateChanged interface {
	OnBreakerStateChanged(ctx context.Context, zone string, from, to breaker.State) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
