package wire

import (
	"testing"
	"time"
)

func TestClockStampMonotonic(t *testing.T) {
	clock := NewClock()

	var last int64
	for i := 0; i < 100; i++ {
		mono, wall := clock.Stamp()
		if mono < last {
			t.Fatalf("monotonic stamp went backwards: %d < %d", mono, last)
		}
		if wall.Location() != time.UTC {
			t.Fatalf("wall stamp not UTC: %v", wall.Location())
		}
		last = mono
	}
}

func TestClockWallAt(t *testing.T) {
	clock := NewClock()

	wall := clock.WallAt(1500)
	want := clock.WallStart().Add(1500 * time.Millisecond)
	if !wall.Equal(want) {
		t.Errorf("WallAt(1500) = %v, want %v", wall, want)
	}
}

func TestRebaseMapsWorkerStamps(t *testing.T) {
	// Worker's hello reference was 5s on its own clock; the engine stamped
	// the hello at session millisecond 100.
	r := NewRebase(5*time.Second.Nanoseconds(), 100)

	// 250ms after the reference on the worker clock.
	got := r.MonoMS(5*time.Second.Nanoseconds() + 250*time.Millisecond.Nanoseconds())
	if got != 350 {
		t.Errorf("rebased stamp = %d, want 350", got)
	}
}

func TestRebaseClampsPreReferenceStamps(t *testing.T) {
	r := NewRebase(1000000, 42)

	if got := r.MonoMS(500); got != 42 {
		t.Errorf("pre-reference stamp rebased to %d, want clamp to 42", got)
	}
}
