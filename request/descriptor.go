package request

import (
	"time"

	"github.com/wyre-technology/autotask-queue/id"
)

// DefaultMaxAttempts is applied when a descriptor does not set its own cap.
// It counts the initial attempt plus retries.
const DefaultMaxAttempts = 4

// Descriptor is an immutable outbound request produced by the entity/query
// layer. The queue never inspects or mutates Payload; Zone is an opaque
// partition key.
type Descriptor struct {
	ID          id.RequestID `json:"id" msgpack:"id"`
	Zone        string       `json:"zone" msgpack:"zone"`
	Payload     []byte       `json:"payload" msgpack:"payload"`
	Priority    int          `json:"priority" msgpack:"priority"`
	SubmittedAt time.Time    `json:"submitted_at" msgpack:"submitted_at"`
	MaxAttempts int          `json:"max_attempts" msgpack:"max_attempts"`
	Batchable   bool         `json:"batchable" msgpack:"batchable"`
}

// Option configures a Descriptor at construction time.
type Option func(*Descriptor)

// WithPriority sets the dispatch priority. Higher dispatches first.
func WithPriority(p int) Option {
	return func(d *Descriptor) { d.Priority = p }
}

// WithMaxAttempts caps total attempts (initial dispatch plus retries).
func WithMaxAttempts(n int) Option {
	return func(d *Descriptor) { d.MaxAttempts = n }
}

// WithBatchable marks the request as eligible for batch dispatch.
func WithBatchable(b bool) Option {
	return func(d *Descriptor) { d.Batchable = b }
}

// NewDescriptor creates a Descriptor targeting zone with the given opaque
// payload. The ID is assigned here and is unique and K-sortable.
func NewDescriptor(zone string, payload []byte, opts ...Option) Descriptor {
	d := Descriptor{
		ID:          id.NewRequestID(),
		Zone:        zone,
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
		MaxAttempts: DefaultMaxAttempts,
		Batchable:   true,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}
