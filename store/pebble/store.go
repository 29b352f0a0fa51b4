// Package pebblestore provides the embedded request store, backed by a
// local Pebble database. Single process, survives restarts: pending items
// are re-read from disk on Open and dispatch resumes where it left off.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/id"
	"github.com/wyre-technology/autotask-queue/request"
)

var _ request.Store = (*Store)(nil)

// Key layout: one record per item under "item/<id>". The '0' upper bound
// is '/'+1, covering exactly the item keyspace.
var (
	itemKeyLower = []byte("item/")
	itemKeyUpper = []byte("item0")
)

func itemKey(rid id.RequestID) []byte {
	return append(append([]byte{}, itemKeyLower...), rid.String()...)
}

// Store is a Pebble-backed implementation of request.Store. The mutex
// serializes writers so UpdateStatus is a true compare-and-swap; only one
// process may own the database directory.
type Store struct {
	mu    sync.Mutex
	db    *pebble.DB
	clock request.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c request.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open creates or opens the Pebble database at dataDir. Writes are synced
// to the WAL on commit so an accepted item survives a crash.
func Open(dataDir string, opts ...Option) (*Store, error) {
	if dataDir == "" {
		return nil, errors.New("pebblestore: dataDir is required")
	}

	db, err := pebble.Open(dataDir, &pebble.Options{})
	if err != nil {
		return nil, unavailable(err)
	}

	s := &Store{
		db:    db,
		clock: request.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// unavailable wraps a database error so callers can match
// atq.ErrStoreUnavailable. Disk faults are not retried internally: unlike a
// network blip they do not heal on their own.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", atq.ErrStoreUnavailable, err)
}

// ──────────────────────────────────────────────────
// Lifecycle — Ping / Close
// ──────────────────────────────────────────────────

// Ping verifies the database is readable.
func (s *Store) Ping(_ context.Context) error {
	_, closer, err := s.db.Get([]byte("ping"))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		return unavailable(err)
	}
	return closer.Close()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue persists a new pending item for the descriptor.
func (s *Store) Enqueue(_ context.Context, d request.Descriptor) (id.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey(d.ID)
	if err := s.ensureAbsentLocked(key); err != nil {
		return id.Nil, err
	}

	val, err := encodeItem(request.NewItem(d))
	if err != nil {
		return id.Nil, err
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return id.Nil, unavailable(err)
	}
	return d.ID, nil
}

// EnqueueBatch persists pending items for all descriptors in one atomic
// Pebble batch: either every item is durable or none is.
func (s *Store) EnqueueBatch(_ context.Context, ds []request.Descriptor) ([]id.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	// Duplicates within the batch would silently collapse to one Set;
	// reject them like stored duplicates.
	seen := make(map[string]struct{}, len(ds))

	rids := make([]id.RequestID, len(ds))
	for i, d := range ds {
		key := itemKey(d.ID)
		if _, dup := seen[string(key)]; dup {
			return nil, atq.ErrItemExists
		}
		seen[string(key)] = struct{}{}
		if err := s.ensureAbsentLocked(key); err != nil {
			return nil, err
		}
		val, err := encodeItem(request.NewItem(d))
		if err != nil {
			return nil, err
		}
		if err := b.Set(key, val, nil); err != nil {
			return nil, unavailable(err)
		}
		rids[i] = d.ID
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return nil, unavailable(err)
	}
	return rids, nil
}

func (s *Store) ensureAbsentLocked(key []byte) error {
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return atq.ErrItemExists
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return unavailable(err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Dequeue / CAS
// ──────────────────────────────────────────────────

// DequeueEligible returns up to limit eligible items for the zone, ordered
// by priority descending then SubmittedAt ascending. Items remain unclaimed.
func (s *Store) DequeueEligible(_ context.Context, zone string, limit int) ([]*request.Item, error) {
	now := s.clock.Now()

	var candidates []*request.Item
	err := s.scanItems(func(it *request.Item) {
		if it.Zone == zone && it.Eligible(now) {
			candidates = append(candidates, it)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].SubmittedAt.Before(candidates[k].SubmittedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// UpdateStatus transitions an item between statuses as a compare-and-swap,
// serialized by the store mutex.
func (s *Store) UpdateStatus(_ context.Context, rid id.RequestID, from, to request.Status, patch request.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey(rid)
	it, err := s.getLocked(key)
	if err != nil {
		return err
	}
	if it.Status != from {
		return atq.ErrConflict
	}

	it.Status = to
	patch.Apply(it)

	val, err := encodeItem(it)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return unavailable(err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Get retrieves the item by ID.
func (s *Store) Get(_ context.Context, rid id.RequestID) (*request.Item, error) {
	return s.getLocked(itemKey(rid))
}

func (s *Store) getLocked(key []byte) (*request.Item, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, atq.ErrItemNotFound
		}
		return nil, unavailable(err)
	}
	defer closer.Close()

	buf := append([]byte(nil), val...)
	return decodeItem(buf)
}

// Zones lists zones that currently hold non-terminal items.
func (s *Store) Zones(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.scanItems(func(it *request.Item) {
		if !it.Status.Terminal() {
			seen[it.Zone] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
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
	var count int64
	err := s.scanItems(func(it *request.Item) {
		if !it.Status.Terminal() {
			count++
		}
	})
	return count, err
}

// Counts returns item counts grouped by status.
func (s *Store) Counts(_ context.Context) (map[request.Status]int64, error) {
	counts := make(map[request.Status]int64)
	err := s.scanItems(func(it *request.Item) {
		counts[it.Status]++
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// scanItems iterates every stored item and passes decoded copies to fn.
func (s *Store) scanItems(fn func(*request.Item)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: itemKeyLower,
		UpperBound: itemKeyUpper,
	})
	if err != nil {
		return unavailable(err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		it, err := decodeItem(iter.Value())
		if err != nil {
			return err
		}
		fn(it)
	}
	if err := iter.Error(); err != nil {
		return unavailable(err)
	}
	return nil
}
