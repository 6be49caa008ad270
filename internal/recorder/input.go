package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/session"
	"github.com/fieldtape/fieldtape/internal/wire"
)

// InputCoordinator captures keyboard and mouse events from a hook source
// and routes them to the per-modality event logs. Mouse moves are coalesced
// into fixed buckets; keys, clicks, and scrolls pass through untouched.
type InputCoordinator struct {
	logger  *zap.Logger
	clock   *wire.Clock
	source  HookSource
	metrics *Metrics

	keyboard *EventLog
	mouse    *EventLog

	coalesce  time.Duration
	anonymize bool
	q         *queue[InputEvent]
	stopping  atomic.Bool

	mu       sync.Mutex
	started  bool
	drained  bool
	abortAt  int64
	abortMsg string

	wg sync.WaitGroup

	keyboardEvents atomic.Uint64
	mouseEvents    atomic.Uint64
	droppedEvents  atomic.Uint64
}

// NewInputCoordinator owns both logs from here on; Drain closes them.
// keyboard or mouse may be nil when that modality is disabled.
func NewInputCoordinator(source HookSource, keyboard, mouse *EventLog, clock *wire.Clock, cfg *config.Config, metrics *Metrics, logger *zap.Logger) *InputCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &InputCoordinator{
		logger:    logger.With(zap.String("coordinator", "input")),
		clock:     clock,
		source:    source,
		metrics:   metrics,
		keyboard:  keyboard,
		mouse:     mouse,
		coalesce:  cfg.MouseCoalesce(),
		anonymize: cfg.AnonymizeText,
	}
	c.q = newQueue[InputEvent](cfg.QueueCapacity,
		func(ev InputEvent) bool { return ev.Dropped == 0 && ev.Kind != wire.SampleKindMarker },
		func(ev InputEvent) InputEvent {
			return InputEvent{Kind: ev.Kind, MonoMS: ev.MonoMS, Wall: ev.Wall, Dropped: 1}
		},
		func(prev, next InputEvent) (InputEvent, bool) {
			if prev.Dropped == 0 || next.Dropped == 0 || streamOf(prev.Kind) != streamOf(next.Kind) {
				return prev, false
			}
			prev.Dropped += next.Dropped
			return prev, true
		})
	return c
}

func (c *InputCoordinator) Name() string { return "input" }

func (c *InputCoordinator) Modalities() []string {
	var m []string
	if c.keyboard != nil {
		m = append(m, config.ModalityKeyboard)
	}
	if c.mouse != nil {
		m = append(m, config.ModalityMouse)
	}
	return m
}

// Start opens the hook source and launches the coalescing producer and the
// log pump.
func (c *InputCoordinator) Start(ctx context.Context) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return Ack{}, fmt.Errorf("input coordinator already started")
	}

	ch, err := c.source.Start(ctx)
	if err != nil {
		c.logger.Warn("input source unavailable", zap.String("source", c.source.Name()), zap.Error(err))
		return ackUnavailable(err.Error()), nil
	}
	c.started = true

	c.wg.Add(2)
	go c.produce(ctx, ch)
	go c.pump()
	return ackReady(), nil
}

// Drain stops the source, waits for the queue to empty, and closes both
// logs. The logs are closed even when ctx expires before the pump drains.
func (c *InputCoordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	if c.drained {
		c.mu.Unlock()
		return nil
	}
	c.drained = true
	started := c.started
	c.mu.Unlock()

	var timeoutErr error
	if started {
		c.stopping.Store(true)
		if err := c.source.Stop(); err != nil {
			c.logger.Warn("input source stop failed", zap.Error(err))
		}
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			timeoutErr = fmt.Errorf("%w: input pump did not drain", ErrCoordinatorTimeout)
		}
	}

	for _, log := range []*EventLog{c.keyboard, c.mouse} {
		if log == nil {
			continue
		}
		if err := log.Close(); err != nil && timeoutErr == nil {
			timeoutErr = err
		}
	}
	return timeoutErr
}

// Collect folds captured and dropped counts into the session totals.
func (c *InputCoordinator) Collect(t *session.Totals) {
	t.KeyboardEvents += c.keyboardEvents.Load()
	t.MouseEvents += c.mouseEvents.Load()
	t.EventsDropped += c.droppedEvents.Load()
}

// Aborted reports whether the source died mid-session.
func (c *InputCoordinator) Aborted() (string, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortMsg, c.abortAt, c.abortMsg != ""
}

// produce reads source events, coalesces mouse moves, and feeds the queue.
// A source channel that closes while the session is still running means the
// hook source died; a stall marker is enqueued so the gap is durable.
//
// Context cancellation does not end consumption: the hook worker flushes its
// remaining samples during the stop grace period, after the runtime context
// is already gone. On cancel the loop keeps reading until the source closes
// the channel, skipping further coalescing.
func (c *InputCoordinator) produce(ctx context.Context, ch <-chan InputEvent) {
	defer c.wg.Done()
	defer c.q.Close()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pending InputEvent
	havePending := false
	timerLive := false
	var bucketStart int64

	flush := func() {
		if havePending {
			c.q.Push(pending)
			havePending = false
		}
		if timerLive {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerLive = false
		}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				flush()
				if ctx.Err() == nil && !c.stopping.Load() {
					c.noteSourceDeath()
				}
				return
			}
			if c.coalesce > 0 && ev.Kind == wire.SampleKindMouseMove && ev.Dropped == 0 {
				if havePending && ev.MonoMS-bucketStart < c.coalesce.Milliseconds() {
					pending = ev
					continue
				}
				flush()
				pending = ev
				havePending = true
				bucketStart = ev.MonoMS
				timer.Reset(c.coalesce)
				timerLive = true
				continue
			}
			flush()
			c.q.Push(ev)
		case <-timer.C:
			timerLive = false
			flush()
		case <-ctx.Done():
			flush()
			for ev := range ch {
				c.q.Push(ev)
			}
			return
		}
	}
}

func (c *InputCoordinator) noteSourceDeath() {
	mono, wall := c.clock.Stamp()
	c.mu.Lock()
	c.abortMsg = "input source died"
	c.abortAt = mono
	c.mu.Unlock()
	c.logger.Error("input source died mid-session", zap.Int64("mono_ms", mono))
	c.metrics.RecordError("input", "source_died")
	c.q.Push(InputEvent{Kind: wire.SampleKindMarker, MonoMS: mono, Wall: wall, Reason: "input source died"})
}

func (c *InputCoordinator) pump() {
	defer c.wg.Done()
	for {
		ev, ok := c.q.Pop()
		if !ok {
			return
		}
		c.write(ev)
		c.metrics.SetQueueDepth("input", c.q.Len())
	}
}

func (c *InputCoordinator) write(ev InputEvent) {
	switch {
	case ev.Kind == wire.SampleKindMarker:
		payload := MarkerPayload{Kind: MarkerKindStall, Reason: ev.Reason}
		c.append(c.keyboard, RecordTypeMarker, ev, payload)
		c.append(c.mouse, RecordTypeMarker, ev, payload)

	case ev.Dropped > 0:
		c.droppedEvents.Add(ev.Dropped)
		c.metrics.RecordDropped(streamOf(ev.Kind), "backpressure", ev.Dropped)
		target := c.mouse
		if streamOf(ev.Kind) == config.ModalityKeyboard {
			target = c.keyboard
		}
		c.append(target, RecordTypeMarker, ev, MarkerPayload{Kind: MarkerKindDropped, Dropped: ev.Dropped})

	case ev.Kind == wire.SampleKindKey:
		key := ev.Key
		if c.anonymize && utf8.RuneCountInString(key) == 1 {
			key = "*"
		}
		if c.append(c.keyboard, RecordTypeKeyboard, ev, KeyPayload{Key: key, Action: ev.Action}) {
			c.keyboardEvents.Add(1)
			c.metrics.RecordCaptured(config.ModalityKeyboard, 1)
		}

	default:
		payload := MousePayload{X: ev.X, Y: ev.Y}
		switch ev.Kind {
		case wire.SampleKindMouseMove:
			payload.Action = MouseActionMove
		case wire.SampleKindMouseButton:
			payload.Action = ev.Action
			payload.Button = ev.Button
		case wire.SampleKindMouseWheel:
			payload.Action = MouseActionScroll
			payload.DX = ev.DX
			payload.DY = ev.DY
		default:
			c.logger.Warn("unknown input kind", zap.String("kind", ev.Kind))
			return
		}
		if c.append(c.mouse, RecordTypeMouse, ev, payload) {
			c.mouseEvents.Add(1)
			c.metrics.RecordCaptured(config.ModalityMouse, 1)
		}
	}
}

func (c *InputCoordinator) append(log *EventLog, recType string, ev InputEvent, payload any) bool {
	if log == nil {
		return false
	}
	rec, err := NewRecord(recType, ev.MonoMS, ev.Wall, payload)
	if err == nil {
		err = log.Append(rec)
	}
	if err != nil {
		c.logger.Warn("event append failed", zap.String("type", recType), zap.Error(err))
		return false
	}
	return true
}

func streamOf(kind string) string {
	if kind == wire.SampleKindKey {
		return config.ModalityKeyboard
	}
	return config.ModalityMouse
}
