// Package expiry provides a small bounded map whose entries expire after a
// period of inactivity. It backs the broker's in-memory tracking state
// (progress trackers, sync workflows, pending request callbacks).
package expiry

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	lastUsed time.Time
}

// Map is a size-capped map with idle-based expiry. Set and Get refresh an
// entry's idle clock; Sweep drops entries idle longer than the TTL, and an
// insert past the size cap evicts the least recently used entry.
type Map[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	maxSize int
	ttl     time.Duration
	onEvict func(key string, value V)
}

// New creates a map holding at most maxSize entries with the given idle
// TTL. maxSize <= 0 means unbounded; ttl <= 0 disables expiry.
func New[V any](maxSize int, ttl time.Duration) *Map[V] {
	return &Map[V]{
		entries: make(map[string]*entry[V]),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// OnEvict registers a callback fired for entries removed by cap eviction or
// TTL sweep. It is not fired for explicit Delete calls. The callback runs
// outside the map lock.
func (m *Map[V]) OnEvict(fn func(key string, value V)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Set inserts or replaces an entry and refreshes its idle clock. When the
// insert exceeds the size cap, the least recently used entry is evicted.
func (m *Map[V]) Set(key string, value V) {
	var evictKey string
	var evictVal V
	var evicted bool
	var onEvict func(string, V)

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.value = value
		e.lastUsed = time.Now()
		m.mu.Unlock()
		return
	}
	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		oldest := time.Time{}
		for k, e := range m.entries {
			if oldest.IsZero() || e.lastUsed.Before(oldest) {
				oldest = e.lastUsed
				evictKey = k
			}
		}
		if evictKey != "" {
			evictVal = m.entries[evictKey].value
			evicted = true
			delete(m.entries, evictKey)
		}
	}
	m.entries[key] = &entry[V]{value: value, lastUsed: time.Now()}
	onEvict = m.onEvict
	m.mu.Unlock()

	if evicted && onEvict != nil {
		onEvict(evictKey, evictVal)
	}
}

// Get returns the entry and refreshes its idle clock.
func (m *Map[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.lastUsed = time.Now()
	return e.value, true
}

// Peek returns the entry without refreshing its idle clock.
func (m *Map[V]) Peek(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Touch refreshes an entry's idle clock without reading it.
func (m *Map[V]) Touch(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		e.lastUsed = time.Now()
	}
	return ok
}

// Delete removes an entry and returns it. The eviction callback does not
// fire; the caller already holds the value.
func (m *Map[V]) Delete(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(m.entries, key)
	return e.value, true
}

// Len returns the number of live entries.
func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns all keys in unspecified order.
func (m *Map[V]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Values returns all values in unspecified order.
func (m *Map[V]) Values() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make([]V, 0, len(m.entries))
	for _, e := range m.entries {
		values = append(values, e.value)
	}
	return values
}

// Sweep removes entries idle longer than the TTL and returns how many were
// dropped.
func (m *Map[V]) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.ttl)

	type victim struct {
		key   string
		value V
	}
	var victims []victim

	m.mu.Lock()
	for k, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			victims = append(victims, victim{key: k, value: e.value})
			delete(m.entries, k)
		}
	}
	onEvict := m.onEvict
	m.mu.Unlock()

	if onEvict != nil {
		for _, v := range victims {
			onEvict(v.key, v.value)
		}
	}
	return len(victims)
}

// SweepEvery runs Sweep on the given cadence until the context is
// cancelled. Call it on its own goroutine.
func (m *Map[V]) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
