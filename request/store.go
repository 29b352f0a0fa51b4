package request

import (
	"context"
	"time"

	"github.com/wyre-technology/autotask-queue/id"
)

// Store is the uniform durable-queue contract implemented by every backend
// (memory, embedded Pebble, networked Redis). The dispatcher and controller
// depend only on this interface, never on a concrete backend.
//
// Backends retry transient I/O internally (bounded) and surface
// atq.ErrStoreUnavailable once the retry budget is spent; the controller
// reacts by pausing intake until the backend recovers.
type Store interface {
	// Enqueue persists a new pending item for the descriptor and returns
	// its assigned ID.
	Enqueue(ctx context.Context, d Descriptor) (id.RequestID, error)

	// EnqueueBatch persists pending items for all descriptors atomically
	// where the backend allows, returning IDs in input order.
	EnqueueBatch(ctx context.Context, ds []Descriptor) ([]id.RequestID, error)

	// DequeueEligible returns up to limit items for the zone that are
	// eligible for dispatch: status Pending, or Retrying with its backoff
	// elapsed, ordered by priority descending then SubmittedAt ascending
	// (FIFO within priority). Items are returned as copies and are NOT
	// claimed; callers claim them individually via UpdateStatus so that
	// concurrent dispatchers cannot double-dispatch.
	DequeueEligible(ctx context.Context, zone string, limit int) ([]*Item, error)

	// UpdateStatus transitions an item from one status to another,
	// applying the patch, as a compare-and-swap: it fails with
	// atq.ErrConflict when the item's current status differs from
	// from. For the networked backend the CAS is atomic at the store
	// level — it is the only backend where multiple dispatchers race
	// for the same item.
	UpdateStatus(ctx context.Context, rid id.RequestID, from, to Status, patch Patch) error

	// Get returns a copy of the item, or atq.ErrItemNotFound.
	Get(ctx context.Context, rid id.RequestID) (*Item, error)

	// Zones lists zones that currently hold non-terminal items.
	Zones(ctx context.Context) ([]string, error)

	// PendingCount returns the number of items awaiting dispatch
	// (Pending, InBatch, Dispatching, or Retrying).
	PendingCount(ctx context.Context) (int64, error)

	// Counts returns item counts grouped by status.
	Counts(ctx context.Context) (map[Status]int64, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources. Durable backends flush state so
	// pending items survive a restart.
	Close() error
}

// Clock abstracts time for deterministic tests. Stores and subsystems that
// need wall time accept one; NewItem and production paths use SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
