package request

import (
	"sync"

	"github.com/wyre-technology/autotask-queue/id"
)

// Handle is the caller-facing completion handle for an accepted request.
// The dispatcher resolves it exactly once with either a result or a
// terminal error; every accepted item receives a terminal resolution.
//
// Handles live only in the submitting process. Items restored from a
// durable backend after a restart have no handle; their resolution is
// observable through the store instead.
type Handle struct {
	id   id.RequestID
	done chan struct{}
	once sync.Once

	body []byte
	err  error
}

// NewHandle creates an unresolved handle for the given request ID.
func NewHandle(rid id.RequestID) *Handle {
	return &Handle{id: rid, done: make(chan struct{})}
}

// ID returns the request ID the handle tracks.
func (h *Handle) ID() id.RequestID { return h.id }

// Done returns a channel closed once the request reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the response body and terminal error. It blocks until the
// handle is resolved.
func (h *Handle) Result() ([]byte, error) {
	<-h.done
	return h.body, h.err
}

// Resolve settles the handle with a successful response body. Subsequent
// calls to Resolve or Fail are no-ops.
func (h *Handle) Resolve(body []byte) {
	h.once.Do(func() {
		h.body = body
		close(h.done)
	})
}

// Fail settles the handle with a terminal error.
func (h *Handle) Fail(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// HandleRegistry tracks unresolved handles by request ID. Safe for
// concurrent use.
type HandleRegistry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewHandleRegistry creates an empty registry.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{handles: make(map[string]*Handle)}
}

// Track registers a new handle for the request ID and returns it.
func (r *HandleRegistry) Track(rid id.RequestID) *Handle {
	h := NewHandle(rid)
	r.mu.Lock()
	r.handles[rid.String()] = h
	r.mu.Unlock()
	return h
}

// Resolve settles and removes the handle for rid with a response body.
// It is a no-op when no handle is tracked (restored items).
func (r *HandleRegistry) Resolve(rid id.RequestID, body []byte) {
	if h := r.take(rid); h != nil {
		h.Resolve(body)
	}
}

// Fail settles and removes the handle for rid with a terminal error.
func (r *HandleRegistry) Fail(rid id.RequestID, err error) {
	if h := r.take(rid); h != nil {
		h.Fail(err)
	}
}

// FailAll settles every outstanding handle with err. Used when the memory
// backend discards unsettled items at shutdown.
func (r *HandleRegistry) FailAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.handles)
	for key, h := range r.handles {
		h.Fail(err)
		delete(r.handles, key)
	}
	return n
}

// Outstanding returns the number of unresolved handles.
func (r *HandleRegistry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *HandleRegistry) take(rid id.RequestID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[rid.String()]
	if !ok {
		return nil
	}
	delete(r.handles, rid.String())
	return h
}
