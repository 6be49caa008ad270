package hookd

import (
	"sync"

	"github.com/fieldtape/fieldtape/internal/wire"
)

// sampleQueue is the worker's bounded sample buffer. When the engine falls
// behind (or the link is briefly down) the oldest real sample is replaced in
// place by a drop marker carrying its kind and timestamp, so the engine can
// log the gap in the right stream. Markers never count toward capacity and
// adjacent markers of the same stream merge.
type sampleQueue struct {
	mu       sync.Mutex
	items    []wire.InputSample
	real     int
	capacity int
	dropped  uint64
	sent     uint64
}

func newSampleQueue(capacity int) *sampleQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &sampleQueue{capacity: capacity}
}

// Push appends a sample, evicting the oldest real sample if the queue is at
// capacity.
func (q *sampleQueue) Push(s wire.InputSample) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.real >= q.capacity {
		q.evictOldest()
	}
	q.items = append(q.items, s)
	if s.Dropped == 0 {
		q.real++
	}
}

// evictOldest turns the first real sample into a drop marker, merging it
// into the preceding marker when both cover the same stream.
func (q *sampleQueue) evictOldest() {
	for i, it := range q.items {
		if it.Dropped > 0 {
			continue
		}
		marker := wire.InputSample{Kind: it.Kind, MonoNS: it.MonoNS, Dropped: 1}
		q.real--
		q.dropped++
		if i > 0 {
			prev := q.items[i-1]
			if prev.Dropped > 0 && sampleStream(prev.Kind) == sampleStream(marker.Kind) {
				prev.Dropped += marker.Dropped
				q.items[i-1] = prev
				q.items = append(q.items[:i], q.items[i+1:]...)
				return
			}
		}
		q.items[i] = marker
		return
	}
}

// TakeBatch removes and returns up to max samples in order. It returns nil
// when the queue is empty.
func (q *sampleQueue) TakeBatch(max int) []wire.InputSample {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	batch := make([]wire.InputSample, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	for _, s := range batch {
		if s.Dropped == 0 {
			q.real--
			q.sent++
		}
	}
	return batch
}

func (q *sampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Sent reports how many real samples have been handed to the sender.
func (q *sampleQueue) Sent() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent
}

// Dropped reports how many real samples were evicted under backpressure.
func (q *sampleQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// sampleStream groups sample kinds into their target streams for marker
// merging.
func sampleStream(kind string) string {
	if kind == wire.SampleKindKey {
		return "keyboard"
	}
	return "mouse"
}
