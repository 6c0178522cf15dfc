package cache

import "sync/atomic"

// Pool is a fixed-capacity free list. Get reuses an idle object when one is
// available and otherwise allocates; Put keeps at most capacity idle objects
// and drops the rest. Idle objects survive GC cycles and the hit/miss
// counters are exact.
type Pool[T any] struct {
	idle  chan T
	newFn func() T
	reset func(T) T

	hits    atomic.Int64
	misses  atomic.Int64
	dropped atomic.Int64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Capacity  int     `json:"capacity"`
	Idle      int     `json:"idle"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Dropped   int64   `json:"dropped"`
	ReuseRate float64 `json:"reuseRate"`
}

// NewPool creates a pool. reset may be nil.
func NewPool[T any](capacity int, newFn func() T, reset func(T) T) *Pool[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool[T]{
		idle:  make(chan T, capacity),
		newFn: newFn,
		reset: reset,
	}
}

// Warm allocates idle objects until the pool is full. Warm allocations do
// not count as misses.
func (p *Pool[T]) Warm() {
	for {
		select {
		case p.idle <- p.newFn():
		default:
			return
		}
	}
}

// Get returns an idle object or a freshly allocated one.
func (p *Pool[T]) Get() T {
	select {
	case v := <-p.idle:
		p.hits.Add(1)
		return v
	default:
		p.misses.Add(1)
		return p.newFn()
	}
}

// Put returns v to the pool after resetting it.
func (p *Pool[T]) Put(v T) {
	if p.reset != nil {
		v = p.reset(v)
	}
	select {
	case p.idle <- v:
	default:
		p.dropped.Add(1)
	}
}

// ReuseRate is hits / (hits + misses), or 0 before any Get.
func (p *Pool[T]) ReuseRate() float64 {
	h, m := p.hits.Load(), p.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Capacity:  cap(p.idle),
		Idle:      len(p.idle),
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Dropped:   p.dropped.Load(),
		ReuseRate: p.ReuseRate(),
	}
}
