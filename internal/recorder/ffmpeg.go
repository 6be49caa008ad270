package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
)

// EncoderBackend consumes raw RGBA frames and produces the session video
// file. Start, WriteFrame, and Close are not safe for concurrent use; the
// frame sink owns the backend from a single goroutine. Kill may be called
// from any goroutine to unwedge a blocked WriteFrame during forced stops.
type EncoderBackend interface {
	Start(ctx context.Context, path string, width, height int, fps float64) error
	WriteFrame(raw []byte) error
	Close(ctx context.Context) error
	Kill()
}

// ffmpegBackend pipes raw frames into an ffmpeg child process encoding
// H.264 into fragmented MP4. Fragmented output keeps everything up to the
// last completed fragment playable even if the process dies mid-session.
type ffmpegBackend struct {
	logger *zap.Logger
	binary string
	scale  config.Resolution

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	waitCh chan error
	closed bool
}

// NewFFmpegBackend encodes to H.264 fragmented MP4. An empty binary means
// "ffmpeg" from PATH. A non-native scale resolution downscales the capture;
// native output is snapped to even dimensions for yuv420p.
func NewFFmpegBackend(binary string, scale config.Resolution, logger *zap.Logger) EncoderBackend {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ffmpegBackend{logger: logger, binary: binary, scale: scale}
}

func (b *ffmpegBackend) Start(_ context.Context, path string, width, height int, fps float64) error {
	filter := "scale=trunc(iw/2)*2:trunc(ih/2)*2"
	if !b.scale.IsNative() {
		filter = fmt.Sprintf("scale=%d:%d", b.scale.Width, b.scale.Height)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-vf", filter,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "frag_keyframe+empty_moov",
		path,
	}

	cmd := exec.Command(b.binary, args...)
	cmd.Stderr = &b.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: open encoder stdin: %v", ErrEncoderFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", ErrEncoderFailure, err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.waitCh = make(chan error, 1)
	go func() { b.waitCh <- cmd.Wait() }()

	b.logger.Debug("encoder started",
		zap.String("path", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64("fps", fps))
	return nil
}

func (b *ffmpegBackend) WriteFrame(raw []byte) error {
	if b.stdin == nil || b.closed {
		return fmt.Errorf("%w: encoder not running", ErrEncoderFailure)
	}
	if _, err := b.stdin.Write(raw); err != nil {
		return fmt.Errorf("%w: write frame: %v", ErrEncoderFailure, err)
	}
	return nil
}

// Close ends the input stream and waits for ffmpeg to finalize. When ctx
// expires first the process is killed; the fragmented container stays
// readable regardless.
func (b *ffmpegBackend) Close(ctx context.Context) error {
	if b.cmd == nil || b.closed {
		return nil
	}
	b.closed = true
	_ = b.stdin.Close()

	select {
	case err := <-b.waitCh:
		if err != nil {
			return fmt.Errorf("%w: ffmpeg exited: %v (stderr: %s)", ErrEncoderFailure, err, trimStderr(b.stderr.Bytes()))
		}
		return nil
	case <-ctx.Done():
		_ = b.cmd.Process.Kill()
		<-b.waitCh
		return fmt.Errorf("%w: encoder finalize timed out, killed", ErrEncoderFailure)
	}
}

// Kill terminates the encoder process immediately. A WriteFrame blocked on
// a full pipe fails with EPIPE once the process dies.
func (b *ffmpegBackend) Kill() {
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

func trimStderr(out []byte) string {
	const max = 2048
	out = bytes.TrimSpace(out)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return string(out)
}
