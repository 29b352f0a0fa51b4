// Package atq provides a durable outbound request queue for a rate-limited,
// zone-partitioned remote service. It absorbs bursts, enforces backpressure,
// isolates failing zones with per-zone circuit breakers, persists in-flight
// work across process restarts, and reports health — without blocking
// callers on the remote service's availability.
//
// atq is designed as a library, not a service. Import it, configure a
// backend store and a transport, and submit request descriptors.
//
// # Quick Start
//
//	ctrl, err := controller.New(atq.DefaultConfig(), transport)
//	if err != nil { ... }
//	ctrl.Start(ctx)
//
//	desc := request.NewDescriptor("Z1", payload, request.WithMaxAttempts(5))
//	h, err := ctrl.Enqueue(ctx, desc)
//	<-h.Done()
//
// # Architecture
//
// The queue is split into independent subsystems, each in its own package:
// a pluggable backend store (memory, embedded Pebble, networked Redis), a
// pure retry/backoff policy, a per-zone circuit breaker, a batching
// scheduler, the dispatcher (per-zone workers), and a health/metrics
// aggregator observing all of them through lifecycle hooks. The controller
// package wires everything together.
//
// This package holds only the shared kernel: configuration, the error
// taxonomy, and the transport capability interface. It imports no
// subsystem packages, so all of them may depend on it freely.
package atq
