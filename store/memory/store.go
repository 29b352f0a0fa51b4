// Package memory provides a fully in-memory request store. Fast and
// dependency-free, but a restart loses the queue. Intended for unit testing,
// development, and deployments that accept volatility.
package memory

import (
	"context"
	"sort"
	"sync"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/id"
	"github.com/wyre-technology/autotask-queue/request"
)

var _ request.Store = (*Store)(nil)

// Store is an in-memory implementation of request.Store.
// Safe for concurrent access.
type Store struct {
	mu    sync.RWMutex
	items map[string]*request.Item
	clock request.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c request.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*request.Item),
		clock: request.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle — Ping / Close
// ──────────────────────────────────────────────────

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue persists a new pending item for the descriptor.
func (s *Store) Enqueue(_ context.Context, d request.Descriptor) (id.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(d)
}

// EnqueueBatch persists pending items for all descriptors under one lock
// acquisition. All-or-nothing: a duplicate ID rejects the whole batch.
func (s *Store) EnqueueBatch(_ context.Context, ds []request.Descriptor) ([]id.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Pre-check both stored items and duplicates within the batch itself,
	// so no member is inserted before a later one is rejected.
	seen := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		key := d.ID.String()
		if _, exists := s.items[key]; exists {
			return nil, atq.ErrItemExists
		}
		if _, dup := seen[key]; dup {
			return nil, atq.ErrItemExists
		}
		seen[key] = struct{}{}
	}

	rids := make([]id.RequestID, len(ds))
	for i, d := range ds {
		rid, err := s.enqueueLocked(d)
		if err != nil {
			return nil, err
		}
		rids[i] = rid
	}
	return rids, nil
}

func (s *Store) enqueueLocked(d request.Descriptor) (id.RequestID, error) {
	key := d.ID.String()
	if _, exists := s.items[key]; exists {
		return id.Nil, atq.ErrItemExists
	}
	s.items[key] = request.NewItem(d)
	return d.ID, nil
}

// ──────────────────────────────────────────────────
// Dequeue / CAS
// ──────────────────────────────────────────────────

// DequeueEligible returns up to limit eligible items for the zone, ordered
// by priority descending then SubmittedAt ascending. Items are returned as
// copies and remain unclaimed.
func (s *Store) DequeueEligible(_ context.Context, zone string, limit int) ([]*request.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()

	candidates := make([]*request.Item, 0, len(s.items))
	for _, it := range s.items {
		if it.Zone != zone || !it.Eligible(now) {
			continue
		}
		candidates = append(candidates, it)
	}

	// Sort: priority DESC, SubmittedAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].SubmittedAt.Before(candidates[k].SubmittedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*request.Item, len(candidates))
	for i, it := range candidates {
		cp := *it
		result[i] = &cp
	}
	return result, nil
}

// UpdateStatus transitions an item between statuses as a compare-and-swap.
func (s *Store) UpdateStatus(_ context.Context, rid id.RequestID, from, to request.Status, patch request.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[rid.String()]
	if !ok {
		return atq.ErrItemNotFound
	}
	if it.Status != from {
		return atq.ErrConflict
	}
	it.Status = to
	patch.Apply(it)
	return nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Get retrieves a copy of the item by ID.
func (s *Store) Get(_ context.Context, rid id.RequestID) (*request.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[rid.String()]
	if !ok {
		return nil, atq.ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

// Zones lists zones that currently hold non-terminal items.
func (s *Store) Zones(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, it := range s.items {
		if it.Status.Terminal() {
			continue
		}
		seen[it.Zone] = struct{}{}
	}

	zones := make([]string, 0, len(seen))
	for z := range seen {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones, nil
}

// PendingCount returns the number of non-terminal items.
func (s *Store) PendingCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, it := range s.items {
		if !it.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// Counts returns item counts grouped by status.
func (s *Store) Counts(_ context.Context) (map[request.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[request.Status]int64)
	for _, it := range s.items {
		counts[it.Status]++
	}
	return counts, nil
}
