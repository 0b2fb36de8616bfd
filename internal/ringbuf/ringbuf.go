// Package ringbuf provides a bounded overwrite window: once full, each push
// evicts the oldest element. The heartbeat keeps one per timeframe as its
// in-memory candle history. A Ring is not safe for concurrent use.
package ringbuf

// Ring is a fixed-capacity window. Capacity is rounded up to a power of two
// for bitwise modulo.
type Ring[T any] struct {
	buf   []T
	mask  uint64
	head  uint64 // next write position
	limit int    // logical capacity requested by the caller

	overwritten uint64
}

// New creates a window holding at most capacity elements. Minimum is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	size := nextPow2(capacity)
	return &Ring[T]{
		buf:   make([]T, size),
		mask:  uint64(size - 1),
		limit: capacity,
	}
}

// Push appends v, evicting the oldest element when the window is full.
func (r *Ring[T]) Push(v T) {
	if r.Len() == r.limit {
		r.overwritten++
	}
	r.buf[r.head&r.mask] = v
	r.head++
}

// Len returns the number of elements held.
func (r *Ring[T]) Len() int {
	if r.head < uint64(r.limit) {
		return int(r.head)
	}
	return r.limit
}

// Cap returns the window capacity.
func (r *Ring[T]) Cap() int { return r.limit }

// At returns the i-th element, 0 being the oldest held.
func (r *Ring[T]) At(i int) T {
	n := r.Len()
	if i < 0 || i >= n {
		panic("ringbuf: index out of range")
	}
	start := r.head - uint64(n)
	return r.buf[(start+uint64(i))&r.mask]
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	if r.head == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.head-1)&r.mask], true
}

// Slice copies the window out, oldest first.
func (r *Ring[T]) Slice() []T {
	n := r.Len()
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.At(i)
	}
	return out
}

// Reset empties the window.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
}

// Overwritten returns how many elements were evicted by pushes.
func (r *Ring[T]) Overwritten() uint64 { return r.overwritten }

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
