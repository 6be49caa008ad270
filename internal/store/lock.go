package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// LockFileName is the pid file the recording engine holds while a session
// can be live. Commands that open the index use it to tell a crashed engine
// (stale pid) from a running one.
const LockFileName = "fieldtape.lock"

// ErrLockHeld is returned when another live process owns the data directory.
var ErrLockHeld = errors.New("data directory is locked by a running engine")

// Lock is an exclusive claim on a data directory, backed by a pid file.
type Lock struct {
	path string
}

// AcquireLock claims dataPath for this process. A lock file naming a dead
// process is treated as stale and taken over.
func AcquireLock(dataPath string, logger *zap.Logger) (*Lock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(dataPath, LockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", werr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		pid, alive := LockHolder(dataPath)
		if alive && pid != os.Getpid() {
			return nil, fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
		}
		logger.Warn("removing stale lock file", zap.String("path", path), zap.Int("pid", pid))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("create lock file: %w", os.ErrExist)
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// LockHolder reports the pid named by the lock file in dataPath and whether
// that process is still alive. A missing or unreadable lock file reports no
// holder.
func LockHolder(dataPath string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dataPath, LockFileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, pidAlive(pid)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		// FindProcess fails for dead pids on windows.
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM still proves the process exists.
	return errors.Is(err, syscall.EPERM)
}
