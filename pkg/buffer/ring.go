// Package buffer provides a generic, thread-safe ring buffer with configurable
// overflow policies. It backs the broker's per-subscriber event queues so that
// a slow consumer loses its oldest events instead of blocking the producer.
package buffer

import (
	"errors"
	"sync"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// ErrDropped is returned by Write when the item (or an older one) was
// discarded to honor the overflow policy.
var ErrDropped = errors.New("buffer: item dropped")

// Stats holds counters collected over the lifetime of a buffer.
type Stats struct {
	Writes  uint64
	Reads   uint64
	Dropped uint64
}

// Ring is a fixed-capacity FIFO ring buffer parameterized by item type.
// All methods are safe for concurrent use.
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	policy OverflowPolicy
	stats  Stats
}

// NewRing creates a ring buffer with the given capacity and overflow policy.
func NewRing[T any](capacity int, policy OverflowPolicy) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.New("buffer: capacity must be positive")
	}
	return &Ring[T]{
		items:  make([]T, capacity),
		policy: policy,
	}, nil
}

// Write adds an item to the buffer. When the buffer is full the overflow
// policy decides which item is discarded; ErrDropped reports the discard.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.items) {
		r.stats.Dropped++
		switch r.policy {
		case DropNewest:
			return ErrDropped
		case DropOldest:
			// Overwrite the oldest slot and advance head
			r.items[r.head] = item
			r.head = (r.head + 1) % len(r.items)
			r.stats.Writes++
			return ErrDropped
		}
	}

	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	r.stats.Writes++
	return nil
}

// Read retrieves and removes the oldest item from the buffer.
// Returns the zero value and false if the buffer is empty.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.head]
	r.items[r.head] = zero // release reference
	r.head = (r.head + 1) % len(r.items)
	r.size--
	r.stats.Reads++
	return item, true
}

// Size returns the current number of items in the buffer.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (r *Ring[T]) Capacity() int {
	return len(r.items)
}

// Clear removes all items from the buffer.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}

// Stats returns a snapshot of the buffer's counters.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
