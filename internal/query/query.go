// Package query models contract read requests: single call descriptors,
// named ordered collections of them (one collection per caller), and the
// result shapes delivered back to callers.
package query

import "fmt"

// Query is a named collection of calls registered together by one caller.
// Keys keep insertion order; the order defines each call's position inside
// the aggregated batch, so it must be deterministic.
type Query struct {
	keys  []string
	calls map[string]Call
}

// New creates an empty query.
func New() *Query {
	return &Query{calls: make(map[string]Call)}
}

// Add sets the call for a key. Adding an existing key replaces the call in
// place without changing its position. Returns the query for chaining.
func (q *Query) Add(key string, c Call) *Query {
	if _, exists := q.calls[key]; !exists {
		q.keys = append(q.keys, key)
	}
	q.calls[key] = c
	return q
}

// Len returns the number of calls in the query.
func (q *Query) Len() int {
	if q == nil {
		return 0
	}
	return len(q.keys)
}

// Keys returns the keys in insertion order.
func (q *Query) Keys() []string {
	out := make([]string, len(q.keys))
	copy(out, q.keys)
	return out
}

// At returns the call for a key.
func (q *Query) At(key string) (Call, bool) {
	c, ok := q.calls[key]
	return c, ok
}

// Calls returns the calls in key order.
func (q *Query) Calls() []Call {
	out := make([]Call, 0, len(q.keys))
	for _, key := range q.keys {
		out = append(out, q.calls[key])
	}
	return out
}

// Equal reports structural equality: same keys in the same order, with
// structurally equal calls.
func (q *Query) Equal(o *Query) bool {
	if q.Len() != o.Len() {
		return false
	}
	if q == nil || o == nil {
		return true
	}
	for i, key := range q.keys {
		if o.keys[i] != key {
			return false
		}
		if !q.calls[key].Equal(o.calls[key]) {
			return false
		}
	}
	return true
}

// Iterator builds a query with keys item<firstIndex> through
// item<firstIndex+total-1>, each call produced by getItem. total == 0
// yields an empty query, which callers must treat as "nothing to fetch".
func Iterator(total, firstIndex int, getItem func(index int) Call) *Query {
	q := New()
	for i := 0; i < total; i++ {
		index := firstIndex + i
		q.Add(fmt.Sprintf("item%d", index), getItem(index))
	}
	return q
}
