package tasklock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockExt = ".lock"

// Locker hands out per-task advisory file locks. A held lock marks the task's
// files as in use for the sweep and keeps duplicate stage deliveries apart.
type Locker struct {
	dir string
}

func New(dir string) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Locker{dir: dir}, nil
}

// Lease is a held task lock.
type Lease struct {
	taskID string
	lock   *flock.Flock
}

func (l *Lease) TaskID() string { return l.taskID }

// Release unlocks the lease. It is safe to call more than once.
func (l *Lease) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("release task lock %s: %w", l.taskID, err)
	}
	return nil
}

func (l *Locker) path(taskID string) string {
	return filepath.Join(l.dir, taskID+lockExt)
}

// TryAcquire takes the task lock without blocking. ok is false when another
// holder, in this process or another, already has it.
func (l *Locker) TryAcquire(taskID string) (*Lease, bool, error) {
	lock := flock.New(l.path(taskID))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire task lock %s: %w", taskID, err)
	}
	if !ok {
		return nil, false, nil
	}
	// the file may have been pruned between open and lock
	if !sameFile(lock) {
		_ = lock.Unlock()
		return nil, false, nil
	}
	return &Lease{taskID: taskID, lock: lock}, true, nil
}

func sameFile(lock *flock.Flock) bool {
	held, err := lock.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(lock.Path())
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

// Held reports whether a stage currently holds the task lock. It only takes
// a shared lock, so concurrent checks never exclude each other, and it never
// creates a lock file for a task that has none.
func (l *Locker) Held(taskID string) bool {
	path := l.path(taskID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false
	}
	lock := flock.New(path)
	ok, err := lock.TryRLock()
	if err != nil || !ok {
		// an unreadable lock counts as held
		return true
	}
	_ = lock.Unlock()
	return false
}

// Prune removes lock files last modified before cutoff that nobody holds.
// It returns how many were removed.
func (l *Locker) Prune(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list lock dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), lockExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		lock := flock.New(path)
		ok, err := lock.TryLock()
		if err != nil {
			errs = append(errs, fmt.Errorf("lock %s: %w", path, err))
			continue
		}
		if !ok {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		} else {
			removed++
		}
		_ = lock.Unlock()
	}
	return removed, errors.Join(errs...)
}

// Dir is where lock files live.
func (l *Locker) Dir() string {
	return l.dir
}
