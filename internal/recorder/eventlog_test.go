package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func openTestLog(t *testing.T, flushBytes int, flushInterval time.Duration, onBytes func(int64)) (*EventLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	log, err := NewEventLog("test", path, flushBytes, flushInterval, onBytes, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEventLog failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log, path
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("parse record %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan log: %v", err)
	}
	return records
}

func TestEventLogAppendAndReadBack(t *testing.T) {
	log, path := openTestLog(t, 32<<10, time.Second, nil)

	wall := time.Now().UTC()
	for i, key := range []string{"h", "i"} {
		rec, err := NewRecord(RecordTypeKeyboard, int64(100+i), wall, KeyPayload{Key: key, Action: "press"})
		if err != nil {
			t.Fatalf("NewRecord failed: %v", err)
		}
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != RecordTypeKeyboard || records[0].TimestampMono != 100 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	var payload KeyPayload
	if err := json.Unmarshal(records[1].Payload, &payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Key != "i" {
		t.Errorf("payload key = %q, want i", payload.Key)
	}
	if log.Records() != 2 {
		t.Errorf("Records() = %d, want 2", log.Records())
	}
}

func TestEventLogFlushOnBufferSize(t *testing.T) {
	log, path := openTestLog(t, 600, time.Hour, nil)

	rec, _ := NewRecord(RecordTypeMouse, 1, time.Now(), MousePayload{X: 1, Y: 2, Action: MouseActionMove})
	for i := 0; i < 10; i++ {
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected byte-threshold flush before Close")
	}
}

func TestEventLogFlushOnInterval(t *testing.T) {
	log, path := openTestLog(t, 1<<20, 20*time.Millisecond, nil)

	rec, _ := NewRecord(RecordTypeKeyboard, 1, time.Now(), KeyPayload{Key: "a", Action: "press"})
	if err := log.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("interval flush never happened")
}

func TestEventLogClampsTimestamps(t *testing.T) {
	log, path := openTestLog(t, 32<<10, time.Hour, nil)

	for _, mono := range []int64{100, 50, 120} {
		rec, _ := NewRecord(RecordTypeKeyboard, mono, time.Now(), KeyPayload{Key: "x", Action: "press"})
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	log.Close()

	records := readRecords(t, path)
	var last int64 = -1
	for _, rec := range records {
		if rec.TimestampMono < last {
			t.Fatalf("timestamps went backwards: %d after %d", rec.TimestampMono, last)
		}
		last = rec.TimestampMono
	}
	if records[1].TimestampMono != 100 {
		t.Errorf("expected clamped stamp 100, got %d", records[1].TimestampMono)
	}
}

func TestEventLogByteAccounting(t *testing.T) {
	var counted atomic.Int64
	log, path := openTestLog(t, 256, time.Hour, func(n int64) { counted.Add(n) })

	rec, _ := NewRecord(RecordTypeMouse, 5, time.Now(), MousePayload{X: 3, Y: 4, Action: MouseActionMove})
	for i := 0; i < 20; i++ {
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	log.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if counted.Load() != info.Size() {
		t.Errorf("counted %d bytes, file has %d", counted.Load(), info.Size())
	}
}

func TestEventLogAppendAfterClose(t *testing.T) {
	log, _ := openTestLog(t, 32<<10, time.Hour, nil)
	log.Close()

	rec, _ := NewRecord(RecordTypeKeyboard, 1, time.Now(), KeyPayload{Key: "a", Action: "press"})
	err := log.Append(rec)
	if !errors.Is(err, ErrSinkSealed) {
		t.Errorf("expected ErrSinkSealed, got %v", err)
	}
}

func TestEventLogDoubleCloseIsSafe(t *testing.T) {
	log, _ := openTestLog(t, 32<<10, time.Hour, nil)
	if err := log.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestNewEventLogBadPath(t *testing.T) {
	_, err := NewEventLog("test", filepath.Join(t.TempDir(), "missing", "log.jsonl"), 1024, time.Second, nil, zap.NewNop())
	if err == nil {
		t.Error("expected error for unwritable path, got nil")
	}
}
