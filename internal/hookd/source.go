package hookd

import (
	"context"
	"sync"
	"time"

	"github.com/fieldtape/fieldtape/internal/wire"
)

// processStart anchors the worker's monotonic clock. Samples carry
// nanoseconds since this instant; the engine rebases them onto the session
// clock using the reference pair from the hello message.
var processStart = time.Now()

// monoNS returns the worker's monotonic timestamp in nanoseconds.
func monoNS() int64 {
	return time.Since(processStart).Nanoseconds()
}

// Source produces input samples stamped with the worker's monotonic clock.
// Start returns a channel the source closes when it stops producing, whether
// because Stop was called or because the underlying hook died.
type Source interface {
	Name() string
	Start(ctx context.Context) (<-chan wire.InputSample, error)
	Stop() error
}

// SyntheticSource emits a deterministic key/mouse pattern without touching
// any OS hook. It backs tests and the --source synthetic mode used to
// exercise the full engine pipeline on headless machines.
type SyntheticSource struct {
	interval   time.Duration
	modalities map[string]bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyntheticSource builds a synthetic source emitting one sample per
// interval, alternating across the given modalities ("keyboard", "mouse").
func NewSyntheticSource(interval time.Duration, modalities []string) *SyntheticSource {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	enabled := make(map[string]bool, len(modalities))
	for _, m := range modalities {
		enabled[m] = true
	}
	if len(enabled) == 0 {
		enabled["keyboard"] = true
		enabled["mouse"] = true
	}
	return &SyntheticSource{interval: interval, modalities: enabled}
}

func (s *SyntheticSource) Name() string { return "synthetic" }

func (s *SyntheticSource) Start(ctx context.Context) (<-chan wire.InputSample, error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	ch := make(chan wire.InputSample, 64)
	go func() {
		defer close(ch)
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		keys := []string{"a", "b", "c", "space", "enter"}
		seq := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			sample := s.nextSample(seq, keys)
			seq++
			select {
			case ch <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *SyntheticSource) nextSample(seq int, keys []string) wire.InputSample {
	now := monoNS()
	if s.modalities["keyboard"] && (!s.modalities["mouse"] || seq%2 == 0) {
		action := wire.ActionPress
		if seq%4 >= 2 {
			action = wire.ActionRelease
		}
		return wire.InputSample{
			Kind:   wire.SampleKindKey,
			MonoNS: now,
			Key:    keys[(seq/2)%len(keys)],
			Action: action,
		}
	}
	switch seq % 6 {
	case 1, 3:
		return wire.InputSample{
			Kind:   wire.SampleKindMouseMove,
			MonoNS: now,
			X:      100 + seq%400,
			Y:      100 + (seq*3)%300,
		}
	case 5:
		action := wire.ActionPress
		if seq%12 == 11 {
			action = wire.ActionRelease
		}
		return wire.InputSample{
			Kind:   wire.SampleKindMouseButton,
			MonoNS: now,
			X:      100 + seq%400,
			Y:      100 + (seq*3)%300,
			Button: "left",
			Action: action,
		}
	default:
		return wire.InputSample{
			Kind:    wire.SampleKindMouseWheel,
			MonoNS:  now,
			X:       100 + seq%400,
			Y:       100 + (seq*3)%300,
			WheelDY: 1,
		}
	}
}

func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
