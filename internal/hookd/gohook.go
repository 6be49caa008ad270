package hookd

import (
	"context"
	"fmt"
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/fieldtape/fieldtape/internal/wire"
)

// gohook wheel directions.
const (
	wheelVertical   = 3
	wheelHorizontal = 4
)

// OSHookSource captures real keyboard and mouse events through the
// platform's global hook (gohook). It must run in its own process: a wedged
// hook callback can stall the OS input chain, which is the whole reason the
// worker exists.
type OSHookSource struct {
	modalities map[string]bool

	mu      sync.Mutex
	started bool
	done    chan struct{}
	endOnce sync.Once
}

// end unregisters the hook exactly once; gohook.End closes its event channel
// and must not run twice.
func (s *OSHookSource) end() {
	s.endOnce.Do(hook.End)
}

// NewOSHookSource builds a hook source limited to the given modalities
// ("keyboard", "mouse").
func NewOSHookSource(modalities []string) *OSHookSource {
	enabled := make(map[string]bool, len(modalities))
	for _, m := range modalities {
		enabled[m] = true
	}
	return &OSHookSource{modalities: enabled}
}

func (s *OSHookSource) Name() string { return "hooks" }

// Start registers the global hook and begins translating its events. The
// returned channel closes when the hook loop ends.
func (s *OSHookSource) Start(ctx context.Context) (<-chan wire.InputSample, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("hook source already started")
	}
	s.started = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	raw := hook.Start()
	if raw == nil {
		return nil, fmt.Errorf("failed to register OS input hook")
	}

	ch := make(chan wire.InputSample, 256)
	go func() {
		defer close(ch)
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				s.end()
				// Drain whatever the hook flushed on shutdown.
				for range raw {
				}
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				sample, ok := s.translate(ev)
				if !ok {
					continue
				}
				select {
				case ch <- sample:
				case <-ctx.Done():
					s.end()
					for range raw {
					}
					return
				}
			}
		}
	}()
	return ch, nil
}

// translate maps a raw gohook event onto a wire sample, stamped with the
// worker's monotonic clock. Events outside the enabled modalities are
// discarded here so they never cross the link.
func (s *OSHookSource) translate(ev hook.Event) (wire.InputSample, bool) {
	now := monoNS()
	switch ev.Kind {
	case hook.KeyDown, hook.KeyHold:
		if !s.modalities["keyboard"] {
			return wire.InputSample{}, false
		}
		return wire.InputSample{
			Kind:   wire.SampleKindKey,
			MonoNS: now,
			Key:    keyName(ev),
			Action: wire.ActionPress,
		}, true
	case hook.KeyUp:
		if !s.modalities["keyboard"] {
			return wire.InputSample{}, false
		}
		return wire.InputSample{
			Kind:   wire.SampleKindKey,
			MonoNS: now,
			Key:    keyName(ev),
			Action: wire.ActionRelease,
		}, true
	case hook.MouseMove, hook.MouseDrag:
		if !s.modalities["mouse"] {
			return wire.InputSample{}, false
		}
		return wire.InputSample{
			Kind:   wire.SampleKindMouseMove,
			MonoNS: now,
			X:      int(ev.X),
			Y:      int(ev.Y),
		}, true
	case hook.MouseDown, hook.MouseUp:
		if !s.modalities["mouse"] {
			return wire.InputSample{}, false
		}
		action := wire.ActionPress
		if ev.Kind == hook.MouseUp {
			action = wire.ActionRelease
		}
		return wire.InputSample{
			Kind:   wire.SampleKindMouseButton,
			MonoNS: now,
			X:      int(ev.X),
			Y:      int(ev.Y),
			Button: buttonName(ev.Button),
			Action: action,
		}, true
	case hook.MouseWheel:
		if !s.modalities["mouse"] {
			return wire.InputSample{}, false
		}
		sample := wire.InputSample{
			Kind:   wire.SampleKindMouseWheel,
			MonoNS: now,
			X:      int(ev.X),
			Y:      int(ev.Y),
		}
		if ev.Direction == wheelHorizontal {
			sample.WheelDX = int(ev.Rotation)
		} else {
			sample.WheelDY = int(ev.Rotation)
		}
		return sample, true
	default:
		return wire.InputSample{}, false
	}
}

// Stop unregisters the hook and waits for the translation loop to finish.
func (s *OSHookSource) Stop() error {
	s.mu.Lock()
	started, done := s.started, s.done
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.end()
	<-done
	return nil
}

// keyName names a key event, preferring the layout-aware raw code mapping
// and falling back to the event's keychar, then the raw code itself.
func keyName(ev hook.Event) string {
	if name := hook.RawcodetoKeychar(ev.Rawcode); name != "" {
		return name
	}
	if ev.Keychar != 0 && ev.Keychar != 65535 {
		return string(ev.Keychar)
	}
	return fmt.Sprintf("code_%d", ev.Rawcode)
}

// buttonName maps gohook button numbers to stable names.
func buttonName(button uint16) string {
	switch button {
	case 1:
		return "left"
	case 2:
		return "right"
	case 3:
		return "middle"
	default:
		return fmt.Sprintf("button_%d", button)
	}
}
