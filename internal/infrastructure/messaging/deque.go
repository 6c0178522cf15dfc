// Package messaging implements the swarm communication bus: priority lanes,
// direct/broadcast/channel delivery and request/response correlation.
package messaging

// Deque is a growable ring buffer. It is not safe for concurrent use; the
// owning PriorityQueue serializes access.
type Deque[T any] struct {
	buf   []T
	head  int
	count int
}

// NewDeque creates a Deque with the given initial capacity.
func NewDeque[T any](capacity int) *Deque[T] {
	if capacity < 1 {
		capacity = 16
	}
	return &Deque[T]{buf: make([]T, capacity)}
}

// Len returns the number of elements.
func (d *Deque[T]) Len() int { return d.count }

func (d *Deque[T]) grow() {
	next := make([]T, len(d.buf)*2)
	for i := 0; i < d.count; i++ {
		next[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = next
	d.head = 0
}

// PushBack appends an element.
func (d *Deque[T]) PushBack(item T) {
	if d.count == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.count)%len(d.buf)] = item
	d.count++
}

// PushFront prepends an element.
func (d *Deque[T]) PushFront(item T) {
	if d.count == len(d.buf) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = item
	d.count++
}

// PopFront removes and returns the first element.
func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.count == 0 {
		return zero, false
	}
	item := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.count--
	return item, true
}

// PeekFront returns the first element without removing it.
func (d *Deque[T]) PeekFront() (T, bool) {
	var zero T
	if d.count == 0 {
		return zero, false
	}
	return d.buf[d.head], true
}

// RemoveFunc deletes every element matching fn, keeping order, and returns the count.
func (d *Deque[T]) RemoveFunc(fn func(T) bool) int {
	var zero T
	kept := 0
	for i := 0; i < d.count; i++ {
		item := d.buf[(d.head+i)%len(d.buf)]
		if fn(item) {
			continue
		}
		d.buf[(d.head+kept)%len(d.buf)] = item
		kept++
	}
	for i := kept; i < d.count; i++ {
		d.buf[(d.head+i)%len(d.buf)] = zero
	}
	removed := d.count - kept
	d.count = kept
	return removed
}

// Clear removes all elements.
func (d *Deque[T]) Clear() {
	var zero T
	for i := range d.buf {
		d.buf[i] = zero
	}
	d.head = 0
	d.count = 0
}
