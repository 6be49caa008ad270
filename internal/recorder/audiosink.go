package recorder

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"
)

// AudioSink writes PCM chunks into a WAV container and maintains the chunk
// index. The encoder needs a seekable file so Finalize can rewrite the RIFF
// header to the real data length; the same rewrite is what keeps a
// crash-truncated file decodable up to the last chunk.
type AudioSink struct {
	logger *zap.Logger
	index  *EventLog
	guard  *Guardian
	spec   AudioSpec

	mu        sync.Mutex
	file      *countingFile
	enc       *wav.Encoder
	started   bool
	finalized bool
	sealedErr error
	paused    bool
	nextSeq   uint64
	chunks    uint64
	dropped   uint64
}

// NewAudioSink owns index from here on; Finalize closes it.
func NewAudioSink(spec AudioSpec, index *EventLog, guard *Guardian, logger *zap.Logger) *AudioSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioSink{spec: spec, index: index, guard: guard, logger: logger}
}

// Start opens the WAV file for writing.
func (s *AudioSink) Start(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("audio sink already started")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrWriterIO, path, err)
	}
	cf, err := newCountingFile(f, s.guard.Add)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", ErrWriterIO, err)
	}

	s.file = cf
	s.enc = wav.NewEncoder(cf, s.spec.SampleRate, 16, s.spec.Channels, 1)
	s.started = true
	return nil
}

// Push accepts the next chunk or drop marker, mirroring the frame sink
// contract: quota refusals and sealed streams still index the chunk as
// dropped so sequence numbers stay contiguous.
func (s *AudioSink) Push(c AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.finalized {
		return fmt.Errorf("%w: audio sink not accepting chunks", ErrSinkSealed)
	}
	if c.Seq != s.nextSeq {
		s.sealedErr = fmt.Errorf("audio chunk seq %d arrived, want %d", c.Seq, s.nextSeq)
		return s.sealedErr
	}
	s.nextSeq++

	if c.PCM == nil {
		s.dropChunk(c, c.Reason)
		return nil
	}
	if s.sealedErr != nil {
		s.dropChunk(c, "writer_failure")
		return fmt.Errorf("%w: %v", ErrSinkSealed, s.sealedErr)
	}
	if s.paused || !s.guard.Allow(int64(len(c.PCM))) {
		s.paused = true
		s.dropChunk(c, "quota")
		return ErrQuotaExceeded
	}

	samples := make([]int, len(c.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(c.PCM[2*i:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.spec.Channels, SampleRate: s.spec.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := s.enc.Write(buf); err != nil {
		s.sealedErr = fmt.Errorf("%w: write audio chunk: %v", ErrWriterIO, err)
		s.dropChunk(c, "writer_failure")
		s.logger.Error("audio write failed, sealing audio stream", zap.Uint64("seq", c.Seq), zap.Error(err))
		return s.sealedErr
	}

	s.chunks++
	s.appendIndex(RecordTypeChunk, c, ChunkPayload{Seq: c.Seq, PtsMS: s.ptsMS(c.Seq), Bytes: len(c.PCM)})
	return nil
}

// Finalize closes the encoder, rewriting the WAV header, then closes the
// file and the index.
func (s *AudioSink) Finalize() (chunks, dropped uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return s.chunks, s.dropped, nil
	}
	s.finalized = true

	var closeErr error
	if s.started {
		if err := s.enc.Close(); err != nil {
			closeErr = fmt.Errorf("%w: finalize wav: %v", ErrWriterIO, err)
		}
		if err := s.file.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("%w: close wav file: %v", ErrWriterIO, err)
		}
	}
	if err := s.index.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	return s.chunks, s.dropped, closeErr
}

// Sealed reports the error that stopped the audio stream, if any.
func (s *AudioSink) Sealed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealedErr
}

// Paused reports whether the quota gate has shut the sink.
func (s *AudioSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *AudioSink) dropChunk(c AudioChunk, reason string) {
	s.dropped++
	s.appendIndex(RecordTypeChunkDropped, c, ChunkPayload{Seq: c.Seq, PtsMS: s.ptsMS(c.Seq), Reason: reason})
}

func (s *AudioSink) appendIndex(recType string, c AudioChunk, payload ChunkPayload) {
	rec, err := NewRecord(recType, c.MonoMS, c.Wall, payload)
	if err == nil {
		err = s.index.Append(rec)
	}
	if err != nil {
		s.logger.Warn("chunk index append failed", zap.Uint64("seq", payload.Seq), zap.Error(err))
	}
}

func (s *AudioSink) ptsMS(seq uint64) int64 {
	return int64(seq) * s.spec.Chunk.Milliseconds()
}
