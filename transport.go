package atq

import "context"

// Result is the remote service's response for a single payload.
type Result struct {
	// Body is the raw response body. Opaque to the queue.
	Body []byte
	// Err is the per-payload failure when a batch partially succeeds.
	// Classified via TransientError / PermanentError.
	Err error
}

// Transport is the capability that performs the actual network call to the
// remote service. The queue never performs network I/O itself; the
// dispatcher invokes Execute with the target zone and one or more payloads
// (a batch dispatch passes all members in order).
//
// Execute returns one Result per payload, index-aligned. A non-nil error
// applies to the whole call — every payload in the batch is treated as
// having failed with it. Failures are classified with TransientError and
// PermanentError; unclassified errors are treated as transient.
//
// Implementations must honor ctx cancellation: the dispatcher applies a
// per-dispatch deadline so a stuck call cannot block shutdown.
type Transport interface {
	Execute(ctx context.Context, zone string, payloads [][]byte) ([]Result, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, zone string, payloads [][]byte) ([]Result, error)

// Execute implements Transport.
func (f TransportFunc) Execute(ctx context.Context, zone string, payloads [][]byte) ([]Result, error) {
	return f(ctx, zone, payloads)
}
