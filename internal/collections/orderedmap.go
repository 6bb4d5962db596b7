// Package collections provides the two ordered containers the
// device registry and watch subsystem are built on: an ordered map kept
// sorted by key, and a splay tree for the watch path index.
package collections

import (
	"cmp"
	"sort"
)

// OrderedMap keeps entries sorted by key so callers can range over the
// registry in lexicographic path order, matching directory-listing
// semantics without re-sorting on every read.
type OrderedMap[K cmp.Ordered, V any] struct {
	keys   []K
	values map[K]V
}

func NewOrderedMap[K cmp.Ordered, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{values: make(map[K]V)}
}

func (m *OrderedMap[K, V]) search(key K) (int, bool) {
	i := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= key })
	if i < len(m.keys) && m.keys[i] == key {
		return i, true
	}
	return i, false
}

// Get returns the value for key and whether it was present.
func (m *OrderedMap[K, V]) Get(key K) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set inserts or replaces the value for key.
func (m *OrderedMap[K, V]) Set(key K, value V) {
	if _, exists := m.values[key]; !exists {
		i, _ := m.search(key)
		m.keys = append(m.keys, key)
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = key
	}
	m.values[key] = value
}

// Delete removes key, a no-op if it is absent.
func (m *OrderedMap[K, V]) Delete(key K) {
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	if i, ok := m.search(key); ok {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
}

// Len returns the number of entries.
func (m *OrderedMap[K, V]) Len() int { return len(m.keys) }

// Each calls fn for every entry in ascending key order, stopping early
// if fn returns false.
func (m *OrderedMap[K, V]) Each(fn func(key K, value V) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}
