package recorder

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
)

// minFrameCost is the Allow gate estimate used before any encoded frame
// size has been observed.
const minFrameCost = 4096

// FrameSink feeds captured frames to an encoder backend and maintains the
// frame index. Sequence numbers must arrive contiguously from 0; evicted
// frames arrive as markers (nil Image) so the index accounts for every
// sequence number exactly once.
type FrameSink struct {
	logger  *zap.Logger
	backend EncoderBackend
	index   *EventLog
	guard   *Guardian

	mu        sync.Mutex
	path      string
	width     int
	height    int
	fps       float64
	started   bool
	finalized bool
	sealedErr error
	paused    bool
	nextSeq   uint64
	frames    uint64
	dropped   uint64
	lastSize  int64
	lastCost  int64
}

// NewFrameSink owns index from here on; Finalize closes it.
func NewFrameSink(backend EncoderBackend, index *EventLog, guard *Guardian, logger *zap.Logger) *FrameSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameSink{backend: backend, index: index, guard: guard, logger: logger, lastCost: minFrameCost}
}

// Start launches the encoder for the given output file and capture size.
func (s *FrameSink) Start(ctx context.Context, path string, width, height int, fps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("frame sink already started")
	}
	if err := s.backend.Start(ctx, path, width, height, fps); err != nil {
		return err
	}
	s.path = path
	s.width = width
	s.height = height
	s.fps = fps
	s.started = true
	return nil
}

// Push accepts the next frame or drop marker. It returns ErrQuotaExceeded
// once the guardian refuses media writes and ErrSinkSealed after an
// encoder failure; in both cases the frame is recorded in the index as
// dropped so sequence accounting stays complete.
func (s *FrameSink) Push(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.finalized {
		return fmt.Errorf("%w: frame sink not accepting frames", ErrSinkSealed)
	}
	if f.Seq != s.nextSeq {
		s.sealedErr = fmt.Errorf("frame seq %d arrived, want %d", f.Seq, s.nextSeq)
		return s.sealedErr
	}
	s.nextSeq++

	if f.Image == nil {
		s.dropFrame(f, f.Reason)
		return nil
	}
	if s.sealedErr != nil {
		s.dropFrame(f, "encoder_failure")
		return fmt.Errorf("%w: %v", ErrSinkSealed, s.sealedErr)
	}
	if s.paused || !s.guard.Allow(s.lastCost) {
		s.paused = true
		s.dropFrame(f, "quota")
		return ErrQuotaExceeded
	}

	if err := s.backend.WriteFrame(s.rawPixels(f)); err != nil {
		s.sealedErr = err
		s.dropFrame(f, "encoder_failure")
		s.logger.Error("frame encode failed, sealing video stream", zap.Uint64("seq", f.Seq), zap.Error(err))
		return err
	}

	if info, err := os.Stat(s.path); err == nil {
		if delta := info.Size() - s.lastSize; delta > 0 {
			s.guard.Add(delta)
			s.lastSize = info.Size()
			s.lastCost = delta
		}
	}

	s.frames++
	s.appendIndex(RecordTypeFrame, f, FramePayload{Seq: f.Seq, PtsMS: s.ptsMS(f.Seq)})
	return nil
}

// Finalize closes the encoder and the index. The video container is valid
// no matter how the session ended; fragmented MP4 needs no trailer to play.
func (s *FrameSink) Finalize(ctx context.Context) (frames, dropped uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return s.frames, s.dropped, nil
	}
	s.finalized = true

	var closeErr error
	if s.started {
		closeErr = s.backend.Close(ctx)
		if info, statErr := os.Stat(s.path); statErr == nil {
			if delta := info.Size() - s.lastSize; delta > 0 {
				s.guard.Add(delta)
				s.lastSize = info.Size()
			}
		}
	}
	if err := s.index.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	return s.frames, s.dropped, closeErr
}

// Kill force-terminates the encoder without taking the sink lock, so a
// Push blocked inside the backend can fail and release it.
func (s *FrameSink) Kill() {
	s.backend.Kill()
}

// Sealed reports the error that stopped the video stream, if any.
func (s *FrameSink) Sealed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealedErr
}

// Paused reports whether the quota gate has shut the sink.
func (s *FrameSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *FrameSink) dropFrame(f Frame, reason string) {
	s.dropped++
	s.appendIndex(RecordTypeFrameDropped, f, FramePayload{Seq: f.Seq, PtsMS: s.ptsMS(f.Seq), Reason: reason})
}

func (s *FrameSink) appendIndex(recType string, f Frame, payload FramePayload) {
	rec, err := NewRecord(recType, f.MonoMS, f.Wall, payload)
	if err == nil {
		err = s.index.Append(rec)
	}
	if err != nil {
		s.logger.Warn("frame index append failed", zap.Uint64("seq", payload.Seq), zap.Error(err))
	}
}

func (s *FrameSink) ptsMS(seq uint64) int64 {
	if s.fps <= 0 {
		return 0
	}
	return int64(math.Round(float64(seq) * 1000.0 / s.fps))
}

// rawPixels returns tightly packed RGBA rows for the encoder. Captures
// normally arrive with stride == 4*width already.
func (s *FrameSink) rawPixels(f Frame) []byte {
	img := f.Image
	tight := 4 * s.width
	if img.Stride == tight && len(img.Pix) == tight*s.height {
		return img.Pix
	}
	packed := make([]byte, tight*s.height)
	for y := 0; y < s.height; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+tight]
		copy(packed[y*tight:], src)
	}
	return packed
}
