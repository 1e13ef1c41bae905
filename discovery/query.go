package discovery

import "sync"

// Query is a user-declared DNS-SD query: a service type, an optional
// record kind, and a secondary filter, paired with the live, continuously
// updated list of instances currently matching it (spec.md §3 UserQuery).
//
// A Query is safe for concurrent use: Items and the OnUpdate callback may
// be called from any goroutine. The engine is the only writer of its
// resolved-instance list; callers never mutate a Query's fields directly
// (use Engine.UpdateFilter/Engine.RemoveQuery instead).
type Query struct {
	serviceType     ServiceType
	kind            RecordKind
	secondaryFilter Filter

	mu       sync.RWMutex
	resolved []Instance
	onUpdate func([]Instance)
}

// ServiceType returns the service type this query was declared for.
func (q *Query) ServiceType() ServiceType { return q.serviceType }

// Items returns a snapshot of the instances currently matching this
// query. The returned slice is owned by the caller.
func (q *Query) Items() []Instance {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Instance, len(q.resolved))
	copy(out, q.resolved)
	return out
}

// OnUpdate installs a callback invoked, on the engine's event-loop
// goroutine, every time this query's resolved-instance list is replaced.
// Callbacks must not block or call back into the Engine synchronously (it
// would deadlock the event loop); hand off to another goroutine if you
// need to do real work. Pass nil to remove the callback.
func (q *Query) OnUpdate(f func([]Instance)) {
	q.mu.Lock()
	q.onUpdate = f
	q.mu.Unlock()
}

// setResolved replaces the resolved list and fires the update callback.
// Called only from the engine's event-loop goroutine.
func (q *Query) setResolved(items []Instance) {
	q.mu.Lock()
	q.resolved = items
	cb := q.onUpdate
	q.mu.Unlock()
	if cb != nil {
		cb(items)
	}
}
