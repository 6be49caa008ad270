package wire

import "time"

// Clock is the session's shared time reference. Every stream stamps records
// with milliseconds since the clock was created (monotonic, immune to wall
// clock steps) plus the corresponding wall time.
type Clock struct {
	start time.Time
}

// NewClock anchors a session clock at the current instant.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Stamp returns milliseconds elapsed since the session started and the wall
// clock equivalent of that instant, in UTC.
func (c *Clock) Stamp() (int64, time.Time) {
	now := time.Now()
	return now.Sub(c.start).Milliseconds(), now.UTC()
}

// MonoMS returns milliseconds elapsed since the session started.
func (c *Clock) MonoMS() int64 {
	return time.Since(c.start).Milliseconds()
}

// WallStart returns the wall clock time the session started, in UTC.
func (c *Clock) WallStart() time.Time {
	return c.start.UTC()
}

// WallAt converts a session monotonic stamp back to wall time.
func (c *Clock) WallAt(monoMS int64) time.Time {
	return c.start.Add(time.Duration(monoMS) * time.Millisecond).UTC()
}

// Rebase maps worker-local monotonic stamps onto the session clock. The
// worker reports its monotonic reading in the hello payload; the engine pairs
// it with its own session stamp at receipt. Skew is bounded by one loopback
// round trip.
type Rebase struct {
	workerRefNS int64
	engineRefMS int64
}

// NewRebase pairs the worker's hello reference with the engine stamp taken
// when the hello arrived.
func NewRebase(workerRefNS, engineRefMS int64) Rebase {
	return Rebase{workerRefNS: workerRefNS, engineRefMS: engineRefMS}
}

// MonoMS converts a worker monotonic reading to session milliseconds. Stamps
// that predate the reference clamp to the reference instant.
func (r Rebase) MonoMS(workerNS int64) int64 {
	delta := workerNS - r.workerRefNS
	if delta < 0 {
		delta = 0
	}
	return r.engineRefMS + delta/int64(time.Millisecond)
}
