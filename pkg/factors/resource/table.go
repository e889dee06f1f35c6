// Package resource provides the bounded handle table every factor uses for
// guest-visible resources (open stores, connections, sessions). Each factor
// owns its own tables; tables never cross factors and live for exactly one
// instance.
package resource

import (
	"errors"
)

// DefaultCapacity is the table capacity used when none is configured.
const DefaultCapacity = 256

// ErrTableFull is returned by Push when the table is at capacity.
var ErrTableFull = errors.New("resource table full")

// Table maps integer handles to owned resources. Handles are unique among
// live entries; a handle is only reused after the entry holding it has been
// removed. The zero handle is never allocated.
type Table[T any] struct {
	entries  map[uint32]T
	capacity int
	next     uint32
}

// NewTable creates a table with the given capacity. Non-positive capacities
// fall back to DefaultCapacity.
func NewTable[T any](capacity int) *Table[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table[T]{
		entries:  make(map[uint32]T),
		capacity: capacity,
		next:     1,
	}
}

// Push allocates a handle for value, or returns ErrTableFull.
func (t *Table[T]) Push(value T) (uint32, error) {
	if len(t.entries) >= t.capacity {
		return 0, ErrTableFull
	}
	// Scan for a free handle. The table is bounded, so this terminates.
	for {
		h := t.next
		t.next++
		if t.next == 0 {
			t.next = 1
		}
		if _, live := t.entries[h]; !live && h != 0 {
			t.entries[h] = value
			return h, nil
		}
	}
}

// Get borrows the value for handle. The second result reports liveness.
func (t *Table[T]) Get(handle uint32) (T, bool) {
	v, ok := t.entries[handle]
	return v, ok
}

// Remove relinquishes the entry for handle, returning the owned value.
func (t *Table[T]) Remove(handle uint32) (T, bool) {
	v, ok := t.entries[handle]
	if ok {
		delete(t.entries, handle)
	}
	return v, ok
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int { return len(t.entries) }

// Capacity returns the configured capacity.
func (t *Table[T]) Capacity() int { return t.capacity }

// Drain removes and returns all live entries in reverse allocation order.
// Used by factor drop handlers at instance teardown.
func (t *Table[T]) Drain() []T {
	handles := make([]uint32, 0, len(t.entries))
	for h := range t.entries {
		handles = append(handles, h)
	}
	// Reverse allocation order approximated by descending handle; handles
	// increase monotonically until wraparound.
	for i := 0; i < len(handles); i++ {
		for j := i + 1; j < len(handles); j++ {
			if handles[j] > handles[i] {
				handles[i], handles[j] = handles[j], handles[i]
			}
		}
	}
	values := make([]T, 0, len(handles))
	for _, h := range handles {
		values = append(values, t.entries[h])
		delete(t.entries, h)
	}
	return values
}
