package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/session"
	"github.com/fieldtape/fieldtape/internal/wire"
)

// audioQueueCapacity bounds buffered PCM chunks (a 100ms chunk at 44.1kHz
// stereo is ~17KiB, so this is about six seconds of audio).
const audioQueueCapacity = 64

// stallFactor: no chunk for this many chunk durations counts as a device
// stall and produces a dropped-chunk marker.
const stallFactor = 3

// AudioCoordinator stamps and sequences PCM chunks from the audio source
// and pumps them into the WAV sink. Device stalls and queue evictions both
// surface as dropped-chunk markers in the index.
type AudioCoordinator struct {
	logger  *zap.Logger
	clock   *wire.Clock
	source  AudioSource
	sink    *AudioSink
	metrics *Metrics

	spec    AudioSpec
	wavPath string

	q        *queue[AudioChunk]
	stopCh   chan struct{}
	stopping atomic.Bool

	mu       sync.Mutex
	started  bool
	drained  bool
	abortAt  int64
	abortMsg string
	chunks   uint64
	dropped  uint64

	wg sync.WaitGroup
}

// NewAudioCoordinator owns sink from here on; Drain finalizes it.
func NewAudioCoordinator(source AudioSource, sink *AudioSink, wavPath string, spec AudioSpec, clock *wire.Clock, metrics *Metrics, logger *zap.Logger) *AudioCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &AudioCoordinator{
		logger:  logger.With(zap.String("coordinator", "audio")),
		clock:   clock,
		source:  source,
		sink:    sink,
		metrics: metrics,
		spec:    spec,
		wavPath: wavPath,
		stopCh:  make(chan struct{}),
	}
	c.q = newQueue[AudioChunk](audioQueueCapacity,
		func(a AudioChunk) bool { return a.PCM != nil },
		func(a AudioChunk) AudioChunk {
			return AudioChunk{Seq: a.Seq, MonoMS: a.MonoMS, Wall: a.Wall, Reason: "backpressure"}
		},
		nil)
	return c
}

func (c *AudioCoordinator) Name() string { return "audio" }

func (c *AudioCoordinator) Modalities() []string { return []string{config.ModalityAudio} }

// Start opens the capture device and the WAV file, then begins pumping.
func (c *AudioCoordinator) Start(ctx context.Context) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return Ack{}, fmt.Errorf("audio coordinator already started")
	}

	ch, err := c.source.Start(ctx, c.spec)
	if err != nil {
		c.logger.Warn("audio source unavailable", zap.String("source", c.source.Name()), zap.Error(err))
		return ackUnavailable(err.Error()), nil
	}
	if err := c.sink.Start(c.wavPath); err != nil {
		_ = c.source.Stop()
		c.logger.Warn("audio writer unavailable", zap.Error(err))
		return ackUnavailable(err.Error()), nil
	}
	c.started = true

	c.wg.Add(2)
	go c.produce(ctx, ch)
	go c.pump()
	return ackReady(), nil
}

func (c *AudioCoordinator) produce(ctx context.Context, ch <-chan []byte) {
	defer c.wg.Done()
	defer c.q.Close()

	stallAfter := time.Duration(stallFactor) * c.spec.Chunk
	stall := time.NewTimer(stallAfter)
	defer stall.Stop()

	var nextSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return

		case pcm, ok := <-ch:
			if !ok {
				if ctx.Err() == nil && !c.stopping.Load() {
					mono, wall := c.clock.Stamp()
					c.noteAbort(mono, "audio source died")
					c.q.Push(AudioChunk{Seq: nextSeq, MonoMS: mono, Wall: wall, Reason: "source_died"})
				}
				return
			}
			mono, wall := c.clock.Stamp()
			c.q.Push(AudioChunk{Seq: nextSeq, MonoMS: mono, Wall: wall, PCM: pcm})
			nextSeq++
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(stallAfter)

		case <-stall.C:
			mono, wall := c.clock.Stamp()
			c.logger.Warn("audio device stalled", zap.Duration("silent_for", stallAfter))
			c.q.Push(AudioChunk{Seq: nextSeq, MonoMS: mono, Wall: wall, Reason: "device_stall"})
			nextSeq++
			stall.Reset(stallAfter)
		}
	}
}

func (c *AudioCoordinator) pump() {
	defer c.wg.Done()
	for {
		a, ok := c.q.Pop()
		if !ok {
			return
		}
		err := c.sink.Push(a)
		switch {
		case err == nil:
		case errors.Is(err, ErrQuotaExceeded):
			// controller is already stopping the session
		default:
			c.noteAbort(a.MonoMS, err.Error())
		}
		c.metrics.SetQueueDepth("audio", c.q.Len())
	}
}

// Drain stops capture, waits for the pump to empty the queue, and finalizes
// the WAV file. Finalization happens even when ctx expires first.
func (c *AudioCoordinator) Drain(ctx context.Context) error {
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

	c.stopping.Store(true)
	close(c.stopCh)
	if err := c.source.Stop(); err != nil {
		c.logger.Warn("audio source stop failed", zap.Error(err))
	}

	var timeoutErr error
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		timeoutErr = fmt.Errorf("%w: audio pump did not drain", ErrCoordinatorTimeout)
	}

	chunks, dropped, err := c.sink.Finalize()
	c.mu.Lock()
	c.chunks, c.dropped = chunks, dropped
	c.mu.Unlock()
	c.metrics.RecordCaptured(config.ModalityAudio, chunks)
	c.metrics.RecordDropped(config.ModalityAudio, "all", dropped)

	if timeoutErr != nil {
		return timeoutErr
	}
	return err
}

// Collect folds chunk totals into the session totals.
func (c *AudioCoordinator) Collect(t *session.Totals) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.AudioChunks += c.chunks
	t.AudioChunksDropped += c.dropped
}

// Aborted reports whether the audio stream died mid-session.
func (c *AudioCoordinator) Aborted() (string, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortMsg, c.abortAt, c.abortMsg != ""
}

func (c *AudioCoordinator) noteAbort(monoMS int64, msg string) {
	c.mu.Lock()
	if c.abortMsg == "" {
		c.abortMsg = msg
		c.abortAt = monoMS
	}
	c.mu.Unlock()
	c.logger.Error("audio stream aborted", zap.Int64("mono_ms", monoMS), zap.String("reason", msg))
	c.metrics.RecordError("audio", "stream_aborted")
}
