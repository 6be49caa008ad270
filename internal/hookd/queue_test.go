package hookd

import (
	"testing"

	"github.com/fieldtape/fieldtape/internal/wire"
)

func keySample(mono int64) wire.InputSample {
	return wire.InputSample{Kind: wire.SampleKindKey, MonoNS: mono, Key: "a", Action: wire.ActionPress}
}

func moveSample(mono int64) wire.InputSample {
	return wire.InputSample{Kind: wire.SampleKindMouseMove, MonoNS: mono, X: 1, Y: 2}
}

func TestSampleQueueEvictsOldestIntoMarker(t *testing.T) {
	q := newSampleQueue(2)
	q.Push(keySample(10))
	q.Push(keySample(20))
	q.Push(keySample(30))
	q.Push(keySample(40))

	batch := q.TakeBatch(64)
	if len(batch) != 3 {
		t.Fatalf("expected 3 items (merged marker + 2 samples), got %d", len(batch))
	}
	marker := batch[0]
	if marker.Dropped != 2 {
		t.Fatalf("expected merged marker covering 2 drops, got %d", marker.Dropped)
	}
	if marker.Kind != wire.SampleKindKey || marker.MonoNS != 10 {
		t.Fatalf("marker should keep the first evicted sample's kind and stamp, got %+v", marker)
	}
	if batch[1].MonoNS != 30 || batch[2].MonoNS != 40 {
		t.Fatalf("surviving samples out of order: %+v", batch[1:])
	}
	if got := q.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	if got := q.Sent(); got != 2 {
		t.Fatalf("Sent() = %d, want 2 (markers are not real samples)", got)
	}
}

func TestSampleQueueMarkersDoNotCountTowardCapacity(t *testing.T) {
	q := newSampleQueue(1)
	q.Push(keySample(1))
	q.Push(keySample(2))
	q.Push(keySample(3))

	if got := q.Len(); got != 2 {
		t.Fatalf("expected marker + newest sample, got len %d", got)
	}
	batch := q.TakeBatch(64)
	if batch[0].Dropped != 2 {
		t.Fatalf("expected marker covering 2 drops, got %+v", batch[0])
	}
	if batch[1].MonoNS != 3 {
		t.Fatalf("newest sample should survive, got %+v", batch[1])
	}
}

func TestSampleQueueDoesNotMergeAcrossStreams(t *testing.T) {
	q := newSampleQueue(1)
	q.Push(keySample(1))
	q.Push(moveSample(2))
	q.Push(keySample(3))

	batch := q.TakeBatch(64)
	if len(batch) != 3 {
		t.Fatalf("expected keyboard marker, mouse marker, and sample; got %d items", len(batch))
	}
	if batch[0].Kind != wire.SampleKindKey || batch[0].Dropped != 1 {
		t.Fatalf("first marker should be a keyboard drop, got %+v", batch[0])
	}
	if batch[1].Kind != wire.SampleKindMouseMove || batch[1].Dropped != 1 {
		t.Fatalf("second marker should be a mouse drop, got %+v", batch[1])
	}
}

func TestSampleQueueTakeBatchBounds(t *testing.T) {
	q := newSampleQueue(16)
	for i := 0; i < 5; i++ {
		q.Push(keySample(int64(i)))
	}

	first := q.TakeBatch(2)
	second := q.TakeBatch(2)
	third := q.TakeBatch(2)
	if len(first) != 2 || len(second) != 2 || len(third) != 1 {
		t.Fatalf("batch sizes = %d,%d,%d; want 2,2,1", len(first), len(second), len(third))
	}
	if first[0].MonoNS != 0 || third[0].MonoNS != 4 {
		t.Fatalf("batches out of order: first=%+v last=%+v", first[0], third[0])
	}
	if q.TakeBatch(2) != nil {
		t.Fatal("empty queue should return nil batch")
	}
	if got := q.Sent(); got != 5 {
		t.Fatalf("Sent() = %d, want 5", got)
	}
}
