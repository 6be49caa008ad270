package recorder

import (
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/wire"
)

// InputEvent is one normalized input sample, stamped on the session clock.
// Kind values are the wire sample kinds. Dropped > 0 marks a sample that
// stands in for that many evicted events of the same kind; the marker kind
// with a Reason marks a source-level gap.
type InputEvent struct {
	Kind    string
	MonoMS  int64
	Wall    time.Time
	Key     string
	Action  string
	X, Y    int
	Button  string
	DX, DY  int
	Dropped uint64
	Reason  string
}

// HookSource produces input events. Start returns the event channel; the
// source closes it when it stops producing (Stop call, context cancel, or
// source death).
type HookSource interface {
	Name() string
	Start(ctx context.Context) (<-chan InputEvent, error)
	Stop() error
}

// Frame is one screen sample or its drop marker (nil Image).
type Frame struct {
	Seq    uint64
	MonoMS int64
	Wall   time.Time
	Image  *image.RGBA
	Reason string
}

// FrameSource grabs screen frames. Open reports the capture dimensions;
// Grab is called at most once at a time.
type FrameSource interface {
	Name() string
	Open(ctx context.Context, want config.Resolution) (width, height int, err error)
	Grab(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// AudioSpec fixes the PCM format for a session.
type AudioSpec struct {
	SampleRate int
	Channels   int
	Chunk      time.Duration
}

// ChunkBytes returns the byte length of one S16LE chunk.
func (s AudioSpec) ChunkBytes() int {
	samples := int(float64(s.SampleRate) * s.Chunk.Seconds())
	return samples * s.Channels * 2
}

// AudioChunk is one captured PCM chunk or its drop marker (nil PCM).
type AudioChunk struct {
	Seq    uint64
	MonoMS int64
	Wall   time.Time
	PCM    []byte
	Reason string
}

// AudioSource produces fixed-size S16LE chunks.
type AudioSource interface {
	Name() string
	Start(ctx context.Context, spec AudioSpec) (<-chan []byte, error)
	Stop() error
}

// syntheticHookSource generates a deterministic typing-and-pointing pattern.
// It backs demos and tests where real hooks are unavailable or unwanted.
type syntheticHookSource struct {
	clock    *wire.Clock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyntheticHookSource emits one input event per interval.
func NewSyntheticHookSource(clock *wire.Clock, interval time.Duration) HookSource {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &syntheticHookSource{clock: clock, interval: interval}
}

func (s *syntheticHookSource) Name() string { return "synthetic" }

func (s *syntheticHookSource) Start(ctx context.Context) (<-chan InputEvent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan InputEvent, 64)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		keys := []string{"t", "h", "e", "space", "q", "u", "i", "c", "k"}
		step := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}

			mono, wall := s.clock.Stamp()
			var ev InputEvent
			switch step % 4 {
			case 0:
				ev = InputEvent{Kind: wire.SampleKindKey, Key: keys[(step/4)%len(keys)], Action: wire.ActionPress}
			case 1:
				ev = InputEvent{Kind: wire.SampleKindKey, Key: keys[(step/4)%len(keys)], Action: wire.ActionRelease}
			case 2:
				ev = InputEvent{Kind: wire.SampleKindMouseMove, X: (step * 7) % 1920, Y: (step * 3) % 1080}
			default:
				if step%20 == 3 {
					ev = InputEvent{Kind: wire.SampleKindMouseButton, X: (step * 7) % 1920, Y: (step * 3) % 1080, Button: "left", Action: wire.ActionPress}
				} else {
					ev = InputEvent{Kind: wire.SampleKindMouseMove, X: (step * 5) % 1920, Y: (step * 11) % 1080}
				}
			}
			ev.MonoMS = mono
			ev.Wall = wall
			step++

			select {
			case out <- ev:
			case <-runCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *syntheticHookSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// syntheticFrameSource draws a moving block over a shifting background so
// successive frames differ and encode to non-trivial video.
type syntheticFrameSource struct {
	width, height int
	grabDelay     time.Duration
	counter       int
}

// NewSyntheticFrameSource generates frames at the requested resolution
// (640x480 when native is asked for). grabDelay simulates slow captures.
func NewSyntheticFrameSource(grabDelay time.Duration) FrameSource {
	return &syntheticFrameSource{grabDelay: grabDelay}
}

func (s *syntheticFrameSource) Name() string { return "synthetic" }

func (s *syntheticFrameSource) Open(_ context.Context, want config.Resolution) (int, int, error) {
	s.width, s.height = 640, 480
	if !want.IsNative() {
		s.width, s.height = want.Width, want.Height
	}
	return s.width, s.height, nil
}

func (s *syntheticFrameSource) Grab(ctx context.Context) (*image.RGBA, error) {
	if s.grabDelay > 0 {
		select {
		case <-time.After(s.grabDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	bg := color.RGBA{R: uint8(s.counter * 3), G: uint8(40 + s.counter%100), B: 90, A: 255}
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, bg)
		}
	}
	size := 32
	bx := (s.counter * 11) % (s.width - size)
	by := (s.counter * 7) % (s.height - size)
	for y := by; y < by+size; y++ {
		for x := bx; x < bx+size; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	s.counter++
	return img, nil
}

func (s *syntheticFrameSource) Close() error { return nil }

// syntheticAudioSource emits a 440Hz sine as fixed-duration S16LE chunks.
type syntheticAudioSource struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyntheticAudioSource() AudioSource {
	return &syntheticAudioSource{}
}

func (s *syntheticAudioSource) Name() string { return "synthetic" }

func (s *syntheticAudioSource) Start(ctx context.Context, spec AudioSpec) (<-chan []byte, error) {
	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 32)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer close(done)
		ticker := time.NewTicker(spec.Chunk)
		defer ticker.Stop()

		samplesPerChunk := spec.ChunkBytes() / (spec.Channels * 2)
		phase := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}

			chunk := make([]byte, spec.ChunkBytes())
			for i := 0; i < samplesPerChunk; i++ {
				v := int16(8000 * math.Sin(2*math.Pi*440*float64(phase+i)/float64(spec.SampleRate)))
				for c := 0; c < spec.Channels; c++ {
					off := (i*spec.Channels + c) * 2
					binary.LittleEndian.PutUint16(chunk[off:], uint16(v))
				}
			}
			phase += samplesPerChunk

			select {
			case out <- chunk:
			case <-runCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *syntheticAudioSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
