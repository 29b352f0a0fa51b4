package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/request"
)

// Named entry types pair a hook implementation with the hook name captured
// at registration time, so emit methods never type-assert back to Hook.
type enqueuedEntry struct {
	name string
	hook Enqueued
}

type dispatchStartedEntry struct {
	name string
	hook DispatchStarted
}

type completedEntry struct {
	name string
	hook Completed
}

type retryingEntry struct {
	name string
	hook Retrying
}

type failedEntry struct {
	name string
	hook Failed
}

type breakerEntry struct {
	name string
	hook BreakerStateChanged
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered hooks and dispatches lifecycle events to them.
// It type-caches hooks at registration time so emit calls iterate only over
// hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	enqueued        []enqueuedEntry
	dispatchStarted []dispatchStartedEntry
	completed       []completedEntry
	retrying        []retryingEntry
	failed          []failedEntry
	breakerChanged  []breakerEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(Enqueued); ok {
		r.enqueued = append(r.enqueued, enqueuedEntry{name, e})
	}
	if e, ok := h.(DispatchStarted); ok {
		r.dispatchStarted = append(r.dispatchStarted, dispatchStartedEntry{name, e})
	}
	if e, ok := h.(Completed); ok {
		r.completed = append(r.completed, completedEntry{name, e})
	}
	if e, ok := h.(Retrying); ok {
		r.retrying = append(r.retrying, retryingEntry{name, e})
	}
	if e, ok := h.(Failed); ok {
		r.failed = append(r.failed, failedEntry{name, e})
	}
	if e, ok := h.(BreakerStateChanged); ok {
		r.breakerChanged = append(r.breakerChanged, breakerEntry{name, e})
	}
	if e, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, e})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// EmitEnqueued notifies all hooks that implement Enqueued.
func (r *Registry) EmitEnqueued(ctx context.Context, it *request.Item) {
	for _, e := range r.enqueued {
		if err := e.hook.OnEnqueued(ctx, it); err != nil {
			r.logHookError("OnEnqueued", e.name, err)
		}
	}
}

// EmitDispatchStarted notifies all hooks that implement DispatchStarted.
func (r *Registry) EmitDispatchStarted(ctx context.Context, zone string, items []*request.Item) {
	for _, e := range r.dispatchStarted {
		if err := e.hook.OnDispatchStarted(ctx, zone, items); err != nil {
			r.logHookError("OnDispatchStarted", e.name, err)
		}
	}
}

// EmitCompleted notifies all hooks that implement Completed.
func (r *Registry) EmitCompleted(ctx context.Context, it *request.Item, elapsed time.Duration) {
	for _, e := range r.completed {
		if err := e.hook.OnCompleted(ctx, it, elapsed); err != nil {
			r.logHookError("OnCompleted", e.name, err)
		}
	}
}

// EmitRetrying notifies all hooks that implement Retrying.
func (r *Registry) EmitRetrying(ctx context.Context, it *request.Item, attempt int, nextEligibleAt time.Time) {
	for _, e := range r.retrying {
		if err := e.hook.OnRetrying(ctx, it, attempt, nextEligibleAt); err != nil {
			r.logHookError("OnRetrying", e.name, err)
		}
	}
}

// EmitFailed notifies all hooks that implement Failed.
func (r *Registry) EmitFailed(ctx context.Context, it *request.Item, itemErr error) {
	for _, e := range r.failed {
		if err := e.hook.OnFailed(ctx, it, itemErr); err != nil {
			r.logHookError("OnFailed", e.name, err)
		}
	}
}

// EmitBreakerStateChanged notifies all hooks that implement
// BreakerStateChanged.
func (r *Registry) EmitBreakerStateChanged(ctx context.Context, zone string, from, to breaker.State) {
	for _, e := range r.breakerChanged {
		if err := e.hook.OnBreakerStateChanged(ctx, zone, from, to); err != nil {
			r.logHookError("OnBreakerStateChanged", e.name, err)
		}
	}
}

// EmitShutdown notifies all hooks that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block dispatch.
func (r *Registry) logHookError(event, hookName string, err error) {
	r.logger.Warn("lifecycle hook error",
		slog.String("event", event),
		slog.String("hook", hookName),
		slog.String("error", err.Error()),
	)
}
