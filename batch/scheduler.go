// Package batch groups eligible batchable items into per-zone batches.
// The Scheduler is a pure accumulator driven by the dispatcher's zone
// workers: a batch is emitted once maxBatchSize items accumulate or once
// batchTimeout has elapsed since the oldest member became eligible,
// whichever occurs first. Batching is strictly an optimization — a lone
// item is emitted after the timeout, never starved.
package batch

import (
	"sync"
	"time"

	"github.com/wyre-technology/autotask-queue/id"
	"github.com/wyre-technology/autotask-queue/request"
)

// Batch is an ephemeral grouping of items sharing a zone. It is dissolved
// once dispatched; membership is never persisted.
type Batch struct {
	ID    id.BatchID
	Zone  string
	Items []*request.Item
}

// Payloads returns the members' payloads in batch order.
func (b *Batch) Payloads() [][]byte {
	out := make([][]byte, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Payload
	}
	return out
}

// builder accumulates items for a single zone.
type builder struct {
	items    []*request.Item
	oldestAt time.Time // eligibility time of the oldest member
}

// Scheduler accumulates batchable items per zone. Safe for concurrent use,
// though in practice each zone is fed by its single zone worker.
type Scheduler struct {
	maxSize int
	timeout time.Duration

	mu       sync.Mutex
	builders map[string]*builder
}

// NewScheduler creates a scheduler emitting batches of at most maxSize
// items, or sooner once timeout elapses for a zone's oldest member.
func NewScheduler(maxSize int, timeout time.Duration) *Scheduler {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Scheduler{
		maxSize:  maxSize,
		timeout:  timeout,
		builders: make(map[string]*builder),
	}
}

// Add appends an item to its zone's forming batch. When the batch reaches
// maxSize it is emitted and returned; otherwise Add returns nil and the
// item waits for batch-mates or the timeout.
func (s *Scheduler) Add(it *request.Item, now time.Time) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.builders[it.Zone]
	if b == nil {
		b = &builder{oldestAt: now}
		s.builders[it.Zone] = b
	}
	if len(b.items) == 0 {
		b.oldestAt = now
	}
	b.items = append(b.items, it)

	if len(b.items) >= s.maxSize {
		return s.emitLocked(it.Zone, b)
	}
	return nil
}

// Due emits the zone's forming batch if its timeout has elapsed since the
// oldest member was added. Returns nil when nothing is due.
func (s *Scheduler) Due(zone string, now time.Time) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.builders[zone]
	if b == nil || len(b.items) == 0 {
		return nil
	}
	if now.Sub(b.oldestAt) < s.timeout {
		return nil
	}
	return s.emitLocked(zone, b)
}

// NextDeadline returns the instant the zone's forming batch becomes due,
// and false when the zone has no forming batch. Zone workers use it to
// bound their poll sleep so emission happens within the timeout.
func (s *Scheduler) NextDeadline(zone string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.builders[zone]
	if b == nil || len(b.items) == 0 {
		return time.Time{}, false
	}
	return b.oldestAt.Add(s.timeout), true
}

// Flush emits the zone's forming batch regardless of size or age. Used on
// drain so claimed items are not stranded in a builder.
func (s *Scheduler) Flush(zone string) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.builders[zone]
	if b == nil || len(b.items) == 0 {
		return nil
	}
	return s.emitLocked(zone, b)
}

// Pending returns how many items are waiting in the zone's forming batch.
func (s *Scheduler) Pending(zone string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b := s.builders[zone]; b != nil {
		return len(b.items)
	}
	return 0
}

// emitLocked detaches the builder's items as a Batch. Caller holds s.mu.
func (s *Scheduler) emitLocked(zone string, b *builder) *Batch {
	items := b.items
	b.items = nil
	return &Batch{
		ID:    id.NewBatchID(),
		Zone:  zone,
		Items: items,
	}
}
