package recorder

import (
	"context"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"

	"github.com/fieldtape/fieldtape/internal/config"
)

// displayFrameSource grabs the primary display through the platform
// screenshot API. Capture is always at native bounds; downscaling to a
// requested resolution happens in the encoder.
type displayFrameSource struct {
	bounds image.Rectangle
}

// NewDisplayFrameSource captures display 0.
func NewDisplayFrameSource() FrameSource {
	return &displayFrameSource{}
}

func (s *displayFrameSource) Name() string { return config.ScreenSourceDisplay }

func (s *displayFrameSource) Open(_ context.Context, _ config.Resolution) (int, int, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: no active displays", ErrDeviceUnavailable)
	}
	s.bounds = screenshot.GetDisplayBounds(0)
	if s.bounds.Dx() <= 0 || s.bounds.Dy() <= 0 {
		return 0, 0, fmt.Errorf("%w: display 0 reports empty bounds %v", ErrDeviceUnavailable, s.bounds)
	}
	return s.bounds.Dx(), s.bounds.Dy(), nil
}

func (s *displayFrameSource) Grab(_ context.Context) (*image.RGBA, error) {
	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		return nil, fmt.Errorf("%w: capture display 0: %v", ErrDeviceUnavailable, err)
	}
	return img, nil
}

func (s *displayFrameSource) Close() error { return nil }
