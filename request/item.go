package request

import "time"

// Status is the lifecycle status of a queued item.
type Status string

const (
	// StatusPending means the item is waiting to be claimed by a zone worker.
	StatusPending Status = "pending"
	// StatusInBatch means the item has been claimed into a forming batch.
	StatusInBatch Status = "in_batch"
	// StatusDispatching means the item is in flight on the transport.
	StatusDispatching Status = "dispatching"
	// StatusRetrying means the item failed transiently and is waiting out
	// its backoff delay.
	StatusRetrying Status = "retrying"
	// StatusCompleted means the item succeeded. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the item failed permanently or exhausted its
	// attempts. Terminal.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is final. Terminal items are never
// re-dispatched.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item wraps a Descriptor with mutable queue-owned state. Items are owned
// exclusively by the backend store; the dispatcher and retry policy request
// status transitions through Store.UpdateStatus, never by mutating an Item
// they hold.
type Item struct {
	Descriptor

	Status         Status     `json:"status" msgpack:"status"`
	AttemptCount   int        `json:"attempt_count" msgpack:"attempt_count"`
	NextEligibleAt time.Time  `json:"next_eligible_at" msgpack:"next_eligible_at"`
	LastError      string     `json:"last_error,omitempty" msgpack:"last_error"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" msgpack:"completed_at"`
}

// NewItem wraps a descriptor as a pending item, eligible immediately.
func NewItem(d Descriptor) *Item {
	return &Item{
		Descriptor:     d,
		Status:         StatusPending,
		NextEligibleAt: d.SubmittedAt,
	}
}

// Eligible reports whether the item may be claimed for dispatch at now:
// it must be in a claimable status with its backoff delay elapsed.
func (it *Item) Eligible(now time.Time) bool {
	if it.Status != StatusPending && it.Status != StatusRetrying {
		return false
	}
	return !it.NextEligibleAt.After(now)
}

// Patch carries the field updates applied alongside a status transition.
// Nil fields are left unchanged.
type Patch struct {
	AttemptCount   *int
	NextEligibleAt *time.Time
	LastError      *string
	CompletedAt    *time.Time
}

// PatchAttempt builds a Patch recording a failed attempt and the next
// eligibility time.
func PatchAttempt(attempts int, nextEligibleAt time.Time, lastErr string) Patch {
	return Patch{
		AttemptCount:   &attempts,
		NextEligibleAt: &nextEligibleAt,
		LastError:      &lastErr,
	}
}

// PatchTerminal builds a Patch recording a terminal outcome at now.
func PatchTerminal(attempts int, now time.Time, lastErr string) Patch {
	p := Patch{
		AttemptCount: &attempts,
		CompletedAt:  &now,
	}
	if lastErr != "" {
		p.LastError = &lastErr
	}
	return p
}

// Apply writes the patch onto the item.
func (p Patch) Apply(it *Item) {
	if p.AttemptCount != nil {
		it.AttemptCount = *p.AttemptCount
	}
	if p.NextEligibleAt != nil {
		it.NextEligibleAt = *p.NextEligibleAt
	}
	if p.LastError != nil {
		it.LastError = *p.LastError
	}
	if p.CompletedAt != nil {
		it.CompletedAt = p.CompletedAt
	}
}
