// Package index assigns dense, first-seen-order integer ids to keys.
package index

// Dense is an order-preserving append-only map from keys to 0-based ids.
// An id, once assigned, never changes and ids are handed out without gaps.
type Dense[K comparable] struct {
	ids  map[K]int
	keys []K
}

// New returns an empty Dense index
func New[K comparable]() *Dense[K] {
	return &Dense[K]{ids: make(map[K]int)}
}

// Of builds an index over keys. Repeated keys keep the id of their first
// occurrence.
func Of[K comparable](keys ...K) *Dense[K] {
	d := New[K]()
	for _, k := range keys {
		d.Assign(k)
	}
	return d
}

// Assign returns the id of k, giving it the next id if it is new. added
// reports whether k was new.
func (d *Dense[K]) Assign(k K) (id int, added bool) {
	if id, ok := d.ids[k]; ok {
		return id, false
	}
	id = len(d.keys)
	d.ids[k] = id
	d.keys = append(d.keys, k)
	return id, true
}

// Lookup returns the id of k without assigning one
func (d *Dense[K]) Lookup(k K) (int, bool) {
	id, ok := d.ids[k]
	return id, ok
}

// Key returns the key holding id
func (d *Dense[K]) Key(id int) K {
	return d.keys[id]
}

// Len is the number of distinct keys seen
func (d *Dense[K]) Len() int {
	return len(d.keys)
}

// Keys returns a copy of all keys in id order
func (d *Dense[K]) Keys() []K {
	out := make([]K, len(d.keys))
	copy(out, d.keys)
	return out
}
