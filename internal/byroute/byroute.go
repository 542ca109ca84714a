package byroute

import "sync"

// Manager is a thread-safe store of per-route policy objects (breakers,
// limiters, caches) keyed by route path. Reload reconciles it in place so
// objects for unchanged routes keep their state.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item for the given route path.
func (m *Manager[T]) Add(route string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[route] = item
	m.mu.Unlock()
}

// Get retrieves the item for the given route path.
func (m *Manager[T]) Get(route string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[route]
	m.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the stored item for route, or stores and returns the
// result of create.
func (m *Manager[T]) GetOrCreate(route string, create func() T) T {
	if v, ok := m.Get(route); ok {
		return v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[route]; ok {
		return v
	}
	if m.items == nil {
		m.items = make(map[string]T)
	}
	v := create()
	m.items[route] = v
	return v
}

// Delete removes and returns the item for route.
func (m *Manager[T]) Delete(route string) (_ T, ok bool) {
	m.mu.Lock()
	v, ok := m.items[route]
	delete(m.items, route)
	m.mu.Unlock()
	return v, ok
}

// Retain drops every item whose route is not in keep and returns the
// dropped items so the caller can release them.
func (m *Manager[T]) Retain(keep map[string]bool) []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []T
	for route, item := range m.items {
		if !keep[route] {
			dropped = append(dropped, item)
			delete(m.items, route)
		}
	}
	return dropped
}

// RouteIDs returns all route paths that have items stored.
func (m *Manager[T]) RouteIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	return ids
}

// Range iterates over all items. Return false from fn to stop early.
func (m *Manager[T]) Range(fn func(route string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, item := range m.items {
		if !fn(id, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
