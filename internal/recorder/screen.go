package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/session"
	"github.com/fieldtape/fieldtape/internal/wire"
)

// frameQueueCapacity bounds buffered raw frames. Frames are large (native
// RGBA runs tens of megabytes) so the queue stays shallow; evictions become
// index markers, not memory pressure.
const frameQueueCapacity = 8

// consecutiveGrabFailures aborts the screen modality when the source fails
// this many grabs in a row.
const consecutiveGrabFailures = 5

// ScreenCoordinator grabs frames on a fixed-rate ticker and pumps them into
// the frame sink. At most one capture is in flight; a tick that fires while
// one is still running is recorded as a dropped-frame marker. Sequence
// numbers are assigned in schedule order so the index stays contiguous.
type ScreenCoordinator struct {
	logger  *zap.Logger
	clock   *wire.Clock
	source  FrameSource
	sink    *FrameSink
	metrics *Metrics

	videoPath string
	want      config.Resolution
	fps       float64
	interval  time.Duration

	q      *queue[Frame]
	stopCh chan struct{}

	mu       sync.Mutex
	started  bool
	drained  bool
	abortAt  int64
	abortMsg string
	frames   uint64
	dropped  uint64

	wg sync.WaitGroup
}

// NewScreenCoordinator owns sink from here on; Drain finalizes it.
func NewScreenCoordinator(source FrameSource, sink *FrameSink, videoPath string, clock *wire.Clock, cfg *config.Config, metrics *Metrics, logger *zap.Logger) *ScreenCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ScreenCoordinator{
		logger:    logger.With(zap.String("coordinator", "screen")),
		clock:     clock,
		source:    source,
		sink:      sink,
		metrics:   metrics,
		videoPath: videoPath,
		want:      cfg.ScreenResolution,
		fps:       cfg.ScreenFPS,
		interval:  cfg.FrameInterval(),
		stopCh:    make(chan struct{}),
	}
	c.q = newQueue[Frame](frameQueueCapacity,
		func(f Frame) bool { return f.Image != nil },
		func(f Frame) Frame {
			return Frame{Seq: f.Seq, MonoMS: f.MonoMS, Wall: f.Wall, Reason: "backpressure"}
		},
		nil)
	return c
}

func (c *ScreenCoordinator) Name() string { return "screen" }

func (c *ScreenCoordinator) Modalities() []string { return []string{config.ModalityScreen} }

// Start opens the capture source, launches the encoder for its dimensions,
// and begins the tick loop. The first frame is grabbed immediately so the
// video timeline starts at t=0.
func (c *ScreenCoordinator) Start(ctx context.Context) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return Ack{}, fmt.Errorf("screen coordinator already started")
	}

	width, height, err := c.source.Open(ctx, c.want)
	if err != nil {
		c.logger.Warn("screen source unavailable", zap.String("source", c.source.Name()), zap.Error(err))
		return ackUnavailable(err.Error()), nil
	}
	if err := c.sink.Start(ctx, c.videoPath, width, height, c.fps); err != nil {
		_ = c.source.Close()
		c.logger.Warn("encoder unavailable", zap.Error(err))
		return ackUnavailable(err.Error()), nil
	}
	c.started = true

	c.wg.Add(2)
	go c.produce(ctx)
	go c.pump()
	return ackReady(), nil
}

type grabResult struct {
	img  *image.RGBA
	mono int64
	wall time.Time
	err  error
}

func (c *ScreenCoordinator) produce(ctx context.Context) {
	defer c.wg.Done()
	defer c.q.Close()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	grabs := make(chan grabResult, 1)
	inFlight := false
	var reservedSeq uint64
	var nextSeq uint64
	var overruns []Frame
	failures := 0

	launch := func() {
		mono, wall := c.clock.Stamp()
		reservedSeq = nextSeq
		nextSeq++
		inFlight = true
		go func() {
			img, err := c.source.Grab(ctx)
			grabs <- grabResult{img: img, mono: mono, wall: wall, err: err}
		}()
	}

	launch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return

		case res := <-grabs:
			inFlight = false
			if res.err != nil {
				failures++
				c.q.Push(Frame{Seq: reservedSeq, MonoMS: res.mono, Wall: res.wall, Reason: "capture_failed"})
				c.logger.Warn("frame grab failed", zap.Uint64("seq", reservedSeq), zap.Error(res.err))
				if failures >= consecutiveGrabFailures {
					c.noteAbort(res.mono, fmt.Sprintf("screen capture failed %d times in a row: %v", failures, res.err))
					return
				}
			} else {
				failures = 0
				c.q.Push(Frame{Seq: reservedSeq, MonoMS: res.mono, Wall: res.wall, Image: res.img})
			}
			for _, m := range overruns {
				m.Seq = nextSeq
				nextSeq++
				c.q.Push(m)
			}
			overruns = overruns[:0]

		case <-ticker.C:
			if inFlight {
				mono, wall := c.clock.Stamp()
				overruns = append(overruns, Frame{MonoMS: mono, Wall: wall, Reason: "capture_overrun"})
				continue
			}
			launch()
		}
	}
}

func (c *ScreenCoordinator) pump() {
	defer c.wg.Done()
	for {
		f, ok := c.q.Pop()
		if !ok {
			return
		}
		start := time.Now()
		err := c.sink.Push(f)
		if f.Image != nil {
			c.metrics.ObserveEncodeDuration(time.Since(start).Seconds())
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrQuotaExceeded):
			// controller is already stopping the session
		default:
			c.noteAbort(f.MonoMS, err.Error())
		}
		c.metrics.SetQueueDepth("screen", c.q.Len())
	}
}

// Drain stops the tick loop, waits for the pump to empty the queue, and
// finalizes the sink. When ctx expires first the encoder is killed so a
// blocked write cannot hold finalization hostage.
func (c *ScreenCoordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	if c.drained {
		c.mu.Unlock()
		return nil
	}
	c.drained = true
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}

	close(c.stopCh)
	var timeoutErr error
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.sink.Kill()
		timeoutErr = fmt.Errorf("%w: screen pump did not drain", ErrCoordinatorTimeout)
		<-done
	}

	if err := c.source.Close(); err != nil {
		c.logger.Warn("screen source close failed", zap.Error(err))
	}

	frames, dropped, err := c.sink.Finalize(ctx)
	c.mu.Lock()
	c.frames, c.dropped = frames, dropped
	c.mu.Unlock()
	c.metrics.RecordCaptured(config.ModalityScreen, frames)
	c.metrics.RecordDropped(config.ModalityScreen, "all", dropped)

	if timeoutErr != nil {
		return timeoutErr
	}
	return err
}

// Collect folds frame totals into the session totals.
func (c *ScreenCoordinator) Collect(t *session.Totals) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Frames += c.frames
	t.FramesDropped += c.dropped
}

// Aborted reports whether the screen stream died mid-session.
func (c *ScreenCoordinator) Aborted() (string, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortMsg, c.abortAt, c.abortMsg != ""
}

func (c *ScreenCoordinator) noteAbort(monoMS int64, msg string) {
	c.mu.Lock()
	if c.abortMsg == "" {
		c.abortMsg = msg
		c.abortAt = monoMS
	}
	c.mu.Unlock()
	c.logger.Error("screen stream aborted", zap.Int64("mono_ms", monoMS), zap.String("reason", msg))
	c.metrics.RecordError("screen", "stream_aborted")
}
