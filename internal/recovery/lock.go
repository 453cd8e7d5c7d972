package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const locksDir = "locks"

const lockSuffix = ".lock"

// errLocked is returned by lockFile when another open file holds the lock.
var errLocked = errors.New("file is locked")

type lockState int

const (
	// lockUnknown means the lock file is missing or could not be tested;
	// the heartbeat decides.
	lockUnknown lockState = iota
	lockHeld
	lockFree
)

func (m *Manager) lockPath(runID string) string {
	return filepath.Join(m.root, locksDir, runID+lockSuffix)
}

// acquireLock creates the lock file of runID and holds an exclusive lock on
// it until the file is closed. On platforms without file locking it returns
// a nil file and liveness of the run rests on its heartbeat alone.
func (m *Manager) acquireLock(runID string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Join(m.root, locksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(m.lockPath(runID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create run lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errors.ErrUnsupported) {
			m.logger.Debug("File locking unsupported, relying on heartbeat.", "runId", runID)
			return nil, nil
		}
		return nil, fmt.Errorf("lock run: %w", err)
	}
	return f, nil
}

// runLock reports whether the process that started runID still holds its
// lock. The OS drops the lock when that process exits, however it exits.
func (m *Manager) runLock(runID string) lockState {
	f, err := os.OpenFile(m.lockPath(runID), os.O_RDWR, 0)
	if err != nil {
		return lockUnknown
	}
	defer f.Close()

	err = lockFile(f)
	switch {
	case err == nil:
		unlockFile(f)
		return lockFree
	case errors.Is(err, errLocked):
		return lockHeld
	default:
		return lockUnknown
	}
}

// sweepLocks removes the lock files of every run but keep.
func sweepLocks(dir, keep string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if keep != "" && strings.TrimSuffix(e.Name(), lockSuffix) == keep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
