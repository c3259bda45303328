package chain

// Map is a journaled key/value table. Values are treated as immutable: callers
// replace a value with Set instead of mutating it in place, so a revert can
// restore the previous one.
type Map[K comparable, V any] struct {
	env  *Env
	data map[K]V
}

// NewMap creates an empty journaled map bound to env
func NewMap[K comparable, V any](env *Env) *Map[K, V] {
	return &Map[K, V]{
		env:  env,
		data: make(map[K]V),
	}
}

// Get returns the value stored under k
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.data[k]
	return v, ok
}

// Has reports whether k is present
func (m *Map[K, V]) Has(k K) bool {
	_, ok := m.data[k]
	return ok
}

// Set stores v under k
func (m *Map[K, V]) Set(k K, v V) {
	old, had := m.data[k]
	m.data[k] = v
	m.env.Record(func() {
		if had {
			m.data[k] = old
		} else {
			delete(m.data, k)
		}
	})
}

// Delete removes k
func (m *Map[K, V]) Delete(k K) {
	old, had := m.data[k]
	if !had {
		return
	}
	delete(m.data, k)
	m.env.Record(func() {
		m.data[k] = old
	})
}

// Len returns the number of entries
func (m *Map[K, V]) Len() int {
	return len(m.data)
}

// Range calls fn for every entry until fn returns false. Iteration order is
// unspecified.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for k, v := range m.data {
		if !fn(k, v) {
			return
		}
	}
}

// Value is a single journaled cell
type Value[T any] struct {
	env *Env
	v   T
}

// NewValue creates a journaled cell holding initial
func NewValue[T any](env *Env, initial T) *Value[T] {
	return &Value[T]{env: env, v: initial}
}

// Get returns the current value
func (c *Value[T]) Get() T {
	return c.v
}

// Set replaces the value
func (c *Value[T]) Set(v T) {
	old := c.v
	c.v = v
	c.env.Record(func() { c.v = old })
}

// OrderedSet is an append-only journaled set that remembers insertion order
type OrderedSet[T comparable] struct {
	env   *Env
	index map[T]int
	items []T
}

// NewOrderedSet creates an empty set bound to env
func NewOrderedSet[T comparable](env *Env) *OrderedSet[T] {
	return &OrderedSet[T]{
		env:   env,
		index: make(map[T]int),
	}
}

// Add inserts v and reports whether it was newly added
func (s *OrderedSet[T]) Add(v T) bool {
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = len(s.items)
	s.items = append(s.items, v)
	s.env.Record(func() {
		delete(s.index, v)
		s.items = s.items[:len(s.items)-1]
	})
	return true
}

// Contains reports membership
func (s *OrderedSet[T]) Contains(v T) bool {
	_, ok := s.index[v]
	return ok
}

// Len returns the number of members
func (s *OrderedSet[T]) Len() int {
	return len(s.items)
}

// Values returns a copy of the members in insertion order
func (s *OrderedSet[T]) Values() []T {
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}
