package recorder

import (
	"fmt"
	"io"
	"os"
)

// countingFile wraps a file and reports growth in its size through onDelta.
// Seeks followed by overwrites (the WAV header rewrite on finalize) do not
// count twice: only bytes past the previous high-water mark are new.
type countingFile struct {
	f       *os.File
	pos     int64
	size    int64
	onDelta func(int64)
}

func newCountingFile(f *os.File, onDelta func(int64)) (*countingFile, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	return &countingFile{
		f:       f,
		pos:     info.Size(),
		size:    info.Size(),
		onDelta: onDelta,
	}, nil
}

func (c *countingFile) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	c.pos += int64(n)
	if c.pos > c.size {
		delta := c.pos - c.size
		c.size = c.pos
		if c.onDelta != nil {
			c.onDelta(delta)
		}
	}
	return n, err
}

func (c *countingFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.f.Seek(offset, whence)
	if err == nil {
		c.pos = pos
	}
	return pos, err
}

func (c *countingFile) Sync() error {
	return c.f.Sync()
}

func (c *countingFile) Close() error {
	return c.f.Close()
}

func (c *countingFile) Name() string {
	return c.f.Name()
}

// Size returns the high-water size in bytes.
func (c *countingFile) Size() int64 {
	return c.size
}

var _ io.WriteSeeker = (*countingFile)(nil)
