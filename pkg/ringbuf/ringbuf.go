// Package ringbuf provides a generic fixed-capacity circular buffer for
// bounded history and metrics windows. It is not internally synchronized;
// the owning component serializes access.
package ringbuf

import "fmt"

// Buffer is a fixed-capacity ring. Once full, Push overwrites the oldest
// slot. The total number of writes is tracked so callers can derive how
// many items were lost to overwriting.
type Buffer[T any] struct {
	items   []T
	head    int // index of the oldest item
	size    int
	written int64 // total items ever pushed (including overwritten)
}

// New creates a Buffer with the given capacity. Capacity must be > 0.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuf: capacity must be > 0, got %d", capacity)
	}
	return &Buffer[T]{items: make([]T, capacity)}, nil
}

// MustNew is New for capacities known to be valid at compile time.
func MustNew[T any](capacity int) *Buffer[T] {
	b, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return b
}

// Push appends item, overwriting the oldest slot when full.
func (b *Buffer[T]) Push(item T) {
	cap := len(b.items)
	if b.size < cap {
		b.items[(b.head+b.size)%cap] = item
		b.size++
	} else {
		b.items[b.head] = item
		b.head = (b.head + 1) % cap
	}
	b.written++
}

// Len returns the number of items currently held.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// TotalWritten returns the total number of items ever pushed, including
// those overwritten.
func (b *Buffer[T]) TotalWritten() int64 { return b.written }

// Overwritten returns how many items have been lost to overwriting.
func (b *Buffer[T]) Overwritten() int64 {
	n := b.written - int64(len(b.items))
	if n < 0 {
		return 0
	}
	return n
}

// All returns every held item, oldest first.
func (b *Buffer[T]) All() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Recent returns the last min(n, Len) items in insertion order.
func (b *Buffer[T]) Recent(n int) []T {
	if n <= 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}
	out := make([]T, n)
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.head+start+i)%len(b.items)]
	}
	return out
}

// Resize reallocates the buffer to the new capacity, keeping the most
// recent min(Len, newCapacity) items. Capacity must be > 0.
func (b *Buffer[T]) Resize(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("ringbuf: capacity must be > 0, got %d", capacity)
	}
	keep := b.Recent(capacity)
	b.items = make([]T, capacity)
	copy(b.items, keep)
	b.head = 0
	b.size = len(keep)
	return nil
}
