package atq

import "errors"

var (
	// Store errors.
	ErrStoreUnavailable = errors.New("atq: store unavailable")
	ErrConflict         = errors.New("atq: status conflict")
	ErrItemNotFound     = errors.New("atq: item not found")
	ErrItemExists       = errors.New("atq: item already exists")

	// Intake errors.
	ErrBackpressure = errors.New("atq: intake backpressure")
	ErrIntakePaused = errors.New("atq: intake paused")
	ErrShuttingDown = errors.New("atq: shutting down")

	// Dispatch errors.
	ErrExhausted   = errors.New("atq: retry attempts exhausted")
	ErrBreakerOpen = errors.New("atq: circuit open for zone")

	// State errors.
	ErrInvalidStatus = errors.New("atq: invalid status transition")
)

// TransientError marks a transport failure as retryable — remote overload,
// timeouts, rate-limit rejections. The dispatcher routes these through the
// retry policy.
type TransientError struct {
	Err error
}

// NewTransientError wraps err as transient.
func NewTransientError(err error) *TransientError { return &TransientError{Err: err} }

func (e *TransientError) Error() string { return "atq: transient: " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a transport failure as non-retryable — a malformed or
// rejected request. The dispatcher fails the item immediately and does not
// count the outcome against the zone's circuit breaker (it is not a
// service-health signal).
type PermanentError struct {
	Err error
}

// NewPermanentError wraps err as permanent.
func NewPermanentError(err error) *PermanentError { return &PermanentError{Err: err} }

func (e *PermanentError) Error() string { return "atq: permanent: " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is classified as a permanent failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be treated as a transient failure.
// Errors that are neither permanent nor one of the queue's own sentinels are
// treated as transient: retrying an unknown failure is the safer default for
// an idempotent outbound call.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
