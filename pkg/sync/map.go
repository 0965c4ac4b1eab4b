package sync

import "sync"

// TypedSyncMap is a thin generic wrapper around sync.Map. The zero
// value is ready to use.
type TypedSyncMap[K comparable, V any] struct {
	m sync.Map
}

func (m *TypedSyncMap[K, V]) Delete(key K) { m.m.Delete(key) }

func (m *TypedSyncMap[K, V]) Load(key K) (V, bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return *new(V), ok
	}

	if vv, ok := v.(V); ok {
		return vv, true
	}
	return *new(V), false
}

func (m *TypedSyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	a, loaded := m.m.LoadOrStore(key, value)
	if av, ok := a.(V); ok {
		return av, loaded
	}

	return *new(V), loaded
}

// CompareAndDelete deletes the entry for key only if it is currently
// mapped to old. V must be comparable at runtime for this to succeed.
func (m *TypedSyncMap[K, V]) CompareAndDelete(key K, old V) bool {
	return m.m.CompareAndDelete(key, old)
}

func (m *TypedSyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }

// Range calls f for each entry until f returns false. See sync.Map.Range
// for the consistency guarantees.
func (m *TypedSyncMap[K, V]) Range(f func(K, V) bool) {
	m.m.Range(func(k, v any) bool {
		kk, ok := k.(K)
		if !ok {
			return true
		}
		vv, ok := v.(V)
		if !ok {
			return true
		}
		return f(kk, vv)
	})
}

// Len counts the entries. It is O(n).
func (m *TypedSyncMap[K, V]) Len() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
