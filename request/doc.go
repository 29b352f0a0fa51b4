// Package request defines the queue's core data model: the immutable
// Descriptor produced by callers, the store-owned Item wrapping it with
// mutable queue state, the Store contract implemented by every backend,
// and the Handle through which callers receive a terminal resolution.
package request
