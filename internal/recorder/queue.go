package recorder

import "sync"

// queue is a bounded FIFO with drop-oldest backpressure. When a push finds
// the queue at capacity, the oldest queued sample is converted in place into
// a drop marker, so arrival order and stream contiguity survive the loss.
// Markers do not count toward capacity.
//
// Single producer, single consumer. Push never blocks; Pop blocks until an
// item arrives or the queue is closed and drained.
type queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	real     int
	capacity int
	closed   bool
	dropped  uint64

	// isReal reports whether an item counts toward capacity.
	isReal func(T) bool
	// neuter converts an evicted item into its drop marker.
	neuter func(T) T
	// merge folds a fresh marker into the preceding one. nil when markers
	// must stay separate (sequence-numbered streams).
	merge func(prev, next T) (T, bool)
}

func newQueue[T any](capacity int, isReal func(T) bool, neuter func(T) T, merge func(prev, next T) (T, bool)) *queue[T] {
	q := &queue[T]{
		capacity: capacity,
		isReal:   isReal,
		neuter:   neuter,
		merge:    merge,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v, evicting the oldest real item into a marker first if the
// queue is full. Returns whether an eviction happened.
func (q *queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	evicted := false
	if q.isReal(v) && q.real >= q.capacity {
		for i := range q.items {
			if !q.isReal(q.items[i]) {
				continue
			}
			q.items[i] = q.neuter(q.items[i])
			q.real--
			q.dropped++
			evicted = true
			if i > 0 && q.merge != nil {
				if merged, ok := q.merge(q.items[i-1], q.items[i]); ok {
					q.items[i-1] = merged
					q.items = append(q.items[:i], q.items[i+1:]...)
				}
			}
			break
		}
	}

	q.items = append(q.items, v)
	if q.isReal(v) {
		q.real++
	}
	q.cond.Signal()
	return evicted
}

// Pop removes and returns the oldest item. It blocks until an item is
// available; ok is false once the queue is closed and empty.
func (q *queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return v, false
	}

	v = q.items[0]
	q.items = q.items[1:]
	if q.isReal(v) {
		q.real--
	}
	return v, true
}

// Close stops accepting pushes. Queued items remain poppable.
func (q *queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Dropped reports how many real items were evicted into markers.
func (q *queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len reports the number of queued items, markers included.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
