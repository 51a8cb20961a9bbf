// Package handle maps opaque integer handles onto objects whose lifetime is
// owned elsewhere. Handles are positive, monotonically increasing and never
// reused once removed.
//
// Tables are not safe for concurrent use; callers confine them to one
// goroutine.
package handle

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blegate/internal/blerr"
)

// Counter issues handle values. Several tables may share one counter so that
// their handles never collide.
type Counter struct {
	next int
}

// NewCounter returns a counter whose first value is 1.
func NewCounter() *Counter {
	return &Counter{next: 1}
}

// Next returns the next unused value. The counter is never decremented.
func (c *Counter) Next() int {
	h := c.next
	c.next++
	return h
}

// Table stores objects by handle and iterates them in allocation order.
type Table[T any] struct {
	resource string
	counter  *Counter
	entries  *orderedmap.OrderedMap[int, T]
}

// NewTable creates a table with its own counter. Resource names the object
// category in NotFound errors.
func NewTable[T any](resource string) *Table[T] {
	return NewSharedTable[T](resource, NewCounter())
}

// NewSharedTable creates a table allocating from counter.
func NewSharedTable[T any](resource string, counter *Counter) *Table[T] {
	return &Table[T]{
		resource: resource,
		counter:  counter,
		entries:  orderedmap.New[int, T](),
	}
}

// Allocate stores obj under a fresh handle.
func (t *Table[T]) Allocate(obj T) int {
	h := t.counter.Next()
	t.entries.Set(h, obj)
	return h
}

// Resolve returns the object for h, or a NotFound error if h was never
// allocated by this table or has been removed.
func (t *Table[T]) Resolve(h int) (T, error) {
	obj, ok := t.entries.Get(h)
	if !ok {
		var zero T
		return zero, blerr.HandleNotFound(t.resource, h)
	}
	return obj, nil
}

// Remove retires h. Removing an unknown handle is a no-op.
func (t *Table[T]) Remove(h int) (T, bool) {
	return t.entries.Delete(h)
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	return t.entries.Len()
}

// Range calls fn for every live entry in allocation order until fn returns false.
func (t *Table[T]) Range(fn func(h int, obj T) bool) {
	for pair := t.entries.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Handles returns the live handles in allocation order.
func (t *Table[T]) Handles() []int {
	out := make([]int, 0, t.entries.Len())
	t.Range(func(h int, _ T) bool {
		out = append(out, h)
		return true
	})
	return out
}
