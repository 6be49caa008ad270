package recorder

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
)

// microphoneAudioSource captures the default input device through
// miniaudio. The device callback runs on an audio thread and must never
// block, so completed chunks are handed off through a buffered channel
// and dropped when the consumer lags.
type microphoneAudioSource struct {
	logger *zap.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	out     chan []byte
	stopped bool
}

// NewMicrophoneAudioSource captures the OS default microphone.
func NewMicrophoneAudioSource(logger *zap.Logger) AudioSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &microphoneAudioSource{logger: logger}
}

func (s *microphoneAudioSource) Name() string { return config.AudioSourceMicrophone }

func (s *microphoneAudioSource) Start(_ context.Context, spec AudioSpec) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil, fmt.Errorf("microphone source already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(spec.Channels)
	deviceConfig.SampleRate = uint32(spec.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	out := make(chan []byte, 32)
	chunkBytes := spec.ChunkBytes()
	pending := make([]byte, 0, chunkBytes)
	logger := s.logger
	warned := false

	onRecv := func(_, input []byte, _ uint32) {
		pending = append(pending, input...)
		for len(pending) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, pending[:chunkBytes])
			pending = pending[chunkBytes:]
			select {
			case out <- chunk:
			default:
				if !warned {
					logger.Warn("audio consumer lagging, dropping chunk at device boundary")
					warned = true
				}
			}
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: open capture device: %v", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: start capture device: %v", ErrDeviceUnavailable, err)
	}

	s.mctx = mctx
	s.device = device
	s.out = out
	return out, nil
}

func (s *microphoneAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.device == nil {
		s.stopped = true
		return nil
	}
	s.stopped = true

	// Uninit stops the device and with it the data callback, so closing
	// the channel afterwards cannot race a send.
	s.device.Uninit()
	_ = s.mctx.Uninit()
	s.mctx.Free()
	close(s.out)
	s.device = nil
	s.mctx = nil
	return nil
}
