package breaker

import "sync"

// Registry holds one Breaker per zone, created lazily on first use and kept
// for the process lifetime (or until explicitly reset). Safe for concurrent
// use.
type Registry struct {
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given options.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the zone's breaker, creating it in the Closed state on first
// use.
func (r *Registry) Get(zone string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[zone]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[zone]; ok {
		return b
	}
	b = New(zone, r.opts...)
	r.breakers[zone] = b
	return b
}

// Reset forces the zone's breaker back to Closed. No-op for zones never
// seen.
func (r *Registry) Reset(zone string) {
	r.mu.RLock()
	b, ok := r.breakers[zone]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// States returns the current state of every known zone's breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for zone, b := range r.breakers {
		states[zone] = b.State()
	}
	return states
}

// Snapshots returns point-in-time views of every known zone's breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make(map[string]Snapshot, len(r.breakers))
	for zone, b := range r.breakers {
		snaps[zone] = b.Snapshot()
	}
	return snaps
}
