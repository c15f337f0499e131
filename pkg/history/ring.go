package history

// Ring is a fixed-capacity FIFO. Push past capacity evicts the oldest entry
// in O(1). It is not safe for concurrent use.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Len() int { return r.n }
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Push appends v and reports whether an old entry was evicted to make room
func (r *Ring[T]) Push(v T) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// At returns the i-th entry, oldest first. It panics when out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.n {
		panic("history: ring index out of range")
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

// First returns the oldest entry
func (r *Ring[T]) First() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.At(0), true
}

// Last returns the newest entry
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.At(r.n - 1), true
}

// Slice copies the contents, oldest first
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Reset replaces the contents with items, keeping only the newest Cap()
func (r *Ring[T]) Reset(items []T) {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	if len(items) > len(r.buf) {
		items = items[len(items)-len(r.buf):]
	}
	copy(r.buf, items)
	r.start = 0
	r.n = len(items)
}

// Resize changes the capacity, keeping the newest entries that still fit
func (r *Ring[T]) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(r.buf) {
		return
	}
	items := r.Slice()
	r.buf = make([]T, capacity)
	r.Reset(items)
}
