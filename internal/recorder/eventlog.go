package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventLog is an append-only newline-delimited record log. Appends land in a
// memory buffer that is flushed to disk when it reaches flushBytes, when the
// flush interval elapses, or on an explicit Flush or Close. A write failure
// seals the log: the error is reported once and every later append returns
// it wrapped in ErrWriterIO.
type EventLog struct {
	name   string
	logger *zap.Logger

	mu         sync.Mutex
	file       *countingFile
	buf        []byte
	flushBytes int
	lastMono   int64
	records    int64
	failErr    error
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEventLog opens (truncating) the log file at path. onBytes receives byte
// deltas as buffers reach the file.
func NewEventLog(name, path string, flushBytes int, flushInterval time.Duration, onBytes func(int64), logger *zap.Logger) (*EventLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", name, err)
	}
	cf, err := newCountingFile(f, onBytes)
	if err != nil {
		f.Close()
		return nil, err
	}

	l := &EventLog{
		name:       name,
		logger:     logger,
		file:       cf,
		buf:        make([]byte, 0, flushBytes+1024),
		flushBytes: flushBytes,
		done:       make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop(flushInterval)
	return l, nil
}

func (l *EventLog) flushLoop(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// Append buffers one record. Timestamps are clamped so the stream never goes
// backwards.
func (l *EventLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	if l.closed {
		return fmt.Errorf("%w: %s log", ErrSinkSealed, l.name)
	}

	if rec.TimestampMono < l.lastMono {
		rec.TimestampMono = l.lastMono
	} else {
		l.lastMono = rec.TimestampMono
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", l.name, err)
	}
	l.buf = append(l.buf, line...)
	l.buf = append(l.buf, '\n')
	l.records++

	if len(l.buf) >= l.flushBytes {
		return l.flushLocked()
	}
	return nil
}

// Flush writes any buffered records to disk.
func (l *EventLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	return l.flushLocked()
}

func (l *EventLog) flushLocked() error {
	if len(l.buf) == 0 {
		return nil
	}
	if _, err := l.file.Write(l.buf); err != nil {
		l.failErr = fmt.Errorf("%w: flush %s log: %v", ErrWriterIO, l.name, err)
		l.logger.Error("event log sealed after write failure",
			zap.String("stream", l.name),
			zap.Error(err),
		)
		return l.failErr
	}
	l.buf = l.buf[:0]
	return nil
}

// Close flushes and closes the log file. Safe to call more than once.
func (l *EventLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	flushErr := error(nil)
	if l.failErr == nil {
		flushErr = l.flushLocked()
	}
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	if err := l.file.Sync(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("%w: sync %s log: %v", ErrWriterIO, l.name, err)
	}
	if err := l.file.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("%w: close %s log: %v", ErrWriterIO, l.name, err)
	}
	return flushErr
}

// Records reports how many records were appended.
func (l *EventLog) Records() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records
}

// Failed reports the sealing error, if any.
func (l *EventLog) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failErr
}
