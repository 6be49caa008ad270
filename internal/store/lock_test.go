package store

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/session"
)

func TestAcquireLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(dir, zap.NewNop()); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld for second acquire, got %v", err)
	}

	pid, alive := LockHolder(dir)
	if !alive || pid != os.Getpid() {
		t.Errorf("LockHolder = (%d, %v), want (%d, true)", pid, alive, os.Getpid())
	}
}

func TestAcquireLockAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}

	again, err := AcquireLock(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("AcquireLock after release failed: %v", err)
	}
	again.Release()
}

func TestAcquireLockStealsStaleLock(t *testing.T) {
	dir := t.TempDir()

	// A pid beyond any real pid space stands in for a crashed engine.
	stale := strconv.Itoa(math.MaxInt32) + "\n"
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte(stale), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	lock, err := AcquireLock(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("AcquireLock over stale lock failed: %v", err)
	}
	defer lock.Release()

	pid, alive := LockHolder(dir)
	if !alive || pid != os.Getpid() {
		t.Errorf("LockHolder = (%d, %v), want (%d, true)", pid, alive, os.Getpid())
	}
}

func TestLockHolderMissingFile(t *testing.T) {
	if pid, alive := LockHolder(t.TempDir()); alive {
		t.Errorf("expected no holder, got pid %d", pid)
	}
}

func TestOpenSkipsRecoveryWhileLockHeldElsewhere(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fieldtape.db")

	s, err := Open(dbPath, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rec := testRecord(session.NewID(), time.Now().UTC())
	rec.Status = session.StatusRecording
	rec.EndedAt = time.Time{}
	rec.EndReason = ""
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	s.Close()

	// Fake a live engine in another process owning the directory. Test
	// processes share a pid space with this one, so point the lock at a
	// process that is certainly alive: init.
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	reopened, err := Open(dbPath, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Status != session.StatusRecording {
		t.Errorf("recovery ran despite held lock: status %s", got.Status)
	}
}
