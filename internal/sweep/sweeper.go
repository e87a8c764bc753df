package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
)

const expiredMessage = "File expired and was removed from server"

// LockChecker reports whether a task's files are in use by a stage and
// clears out lock files nobody has touched since cutoff.
type LockChecker interface {
	Held(taskID string) bool
	Prune(cutoff time.Time) (int, error)
}

// RemoteRemover deletes a task's mirrored copy.
type RemoteRemover interface {
	DeleteRemote(ctx context.Context, task *domain.Task) error
}

type Config struct {
	WorkDir      string
	PublishedDir string
	WorkMaxAge   time.Duration
	Retention    time.Duration
	// SkipDirs are directory names under WorkDir that are never swept.
	SkipDirs []string
	Logger   *logrus.Logger
}

// Report summarizes one sweep run.
type Report struct {
	WorkFilesRemoved   int
	WorkBytesFreed     int64
	WorkDirsRemoved    int
	LocksRemoved       int
	OutputFilesRemoved int
	OutputBytesFreed   int64
	TasksExpired       int
	RecordsPurged      int64
	Skipped            int
	Errors             []string
}

func (r *Report) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Sweeper reclaims stale working files and expired published files.
type Sweeper struct {
	cfg    Config
	store  repository.TaskStore
	locks  LockChecker
	remote RemoteRemover
	now    func() time.Time
}

func New(cfg Config, store repository.TaskStore, locks LockChecker, remote RemoteRemover) *Sweeper {
	if cfg.WorkMaxAge <= 0 {
		cfg.WorkMaxAge = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = repository.DefaultRetention.Window
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Sweeper{cfg: cfg, store: store, locks: locks, remote: remote, now: time.Now}
}

// WithClock replaces the time source used to age files.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run performs one full sweep. Running it again without intervening changes
// removes nothing.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := s.now()

	if s.cfg.WorkDir != "" {
		if err := s.sweepWorkDir(ctx, now, report); err != nil {
			return report, err
		}
	}
	if s.cfg.PublishedDir != "" {
		if err := s.sweepPublished(ctx, now, report); err != nil {
			return report, err
		}
	}
	if s.locks != nil {
		removed, err := s.locks.Prune(now.Add(-s.cfg.WorkMaxAge))
		if err != nil {
			report.fail("prune task locks: %v", err)
		}
		report.LocksRemoved = removed
	}

	purged, err := s.store.PurgeExpired(ctx, now)
	if err != nil {
		report.fail("purge expired records: %v", err)
	}
	report.RecordsPurged = purged

	s.cfg.Logger.WithFields(logrus.Fields{
		"work_files":    report.WorkFilesRemoved,
		"work_bytes":    report.WorkBytesFreed,
		"locks":         report.LocksRemoved,
		"output_files":  report.OutputFilesRemoved,
		"output_bytes":  report.OutputBytesFreed,
		"tasks_expired": report.TasksExpired,
		"purged":        report.RecordsPurged,
		"errors":        len(report.Errors),
	}).Info("sweep finished")
	return report, nil
}

// RunDaemon sweeps immediately and then on every interval until ctx ends.
func (s *Sweeper) RunDaemon(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	s.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
		s.cfg.Logger.WithError(err).Error("sweep failed")
	}
}

func (s *Sweeper) skipDir(name string) bool {
	for _, skip := range s.cfg.SkipDirs {
		if name == skip {
			return true
		}
	}
	return false
}

func (s *Sweeper) sweepWorkDir(ctx context.Context, now time.Time, report *Report) error {
	entries, err := os.ReadDir(s.cfg.WorkDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list work dir: %w", err)
	}

	cutoff := now.Add(-s.cfg.WorkMaxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := filepath.Join(s.cfg.WorkDir, entry.Name())

		if !entry.IsDir() {
			s.removeIfOlder(path, cutoff, report)
			continue
		}
		if s.skipDir(entry.Name()) {
			continue
		}
		if taskID := taskIDFromName(entry.Name()); taskID != "" && s.locks != nil && s.locks.Held(taskID) {
			report.Skipped++
			continue
		}

		_ = filepath.WalkDir(path, func(p string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if d.Type().IsRegular() {
				s.removeIfOlder(p, cutoff, report)
			}
			return nil
		})
		s.removeEmptyDirs(path, report)
	}
	return nil
}

func (s *Sweeper) removeIfOlder(path string, cutoff time.Time, report *Report) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
		return
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			report.fail("remove %s: %v", path, err)
		}
		return
	}
	report.WorkFilesRemoved++
	report.WorkBytesFreed += info.Size()
	s.cfg.Logger.WithFields(logrus.Fields{"path": path, "bytes": info.Size()}).Debug("removed stale work file")
}

// removeEmptyDirs deletes dir and any empty subdirectories, deepest first.
func (s *Sweeper) removeEmptyDirs(dir string, report *Report) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	empty := true
	for _, entry := range entries {
		if !entry.IsDir() || !s.removeEmptyDirs(filepath.Join(dir, entry.Name()), report) {
			empty = false
		}
	}
	if !empty {
		return false
	}
	if err := os.Remove(dir); err != nil {
		return false
	}
	report.WorkDirsRemoved++
	return true
}

func (s *Sweeper) sweepPublished(ctx context.Context, now time.Time, report *Report) error {
	entries, err := os.ReadDir(s.cfg.PublishedDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list published dir: %w", err)
	}

	cutoff := now.Add(-s.cfg.Retention)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !lastTouched(info).Before(cutoff) {
			continue
		}
		s.expireFile(ctx, filepath.Join(s.cfg.PublishedDir, entry.Name()), info.Size(), report)
	}
	return nil
}

func (s *Sweeper) expireFile(ctx context.Context, path string, size int64, report *Report) {
	taskID := taskIDFromName(filepath.Base(path))
	logger := s.cfg.Logger.WithField("path", path)

	var task *domain.Task
	if taskID != "" {
		logger = logger.WithField("task_id", taskID)
		if s.locks != nil && s.locks.Held(taskID) {
			report.Skipped++
			return
		}
		t, err := s.store.Get(ctx, taskID)
		switch {
		case err == nil:
			if t.Status.IsActive() {
				logger.WithField("status", t.Status.String()).Info("skipping file of in-flight task")
				report.Skipped++
				return
			}
			task = t
		case !errors.Is(err, domain.ErrNotFound):
			report.fail("load task %s: %v", taskID, err)
			return
		}
	}

	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			report.fail("remove %s: %v", path, err)
		}
		return
	}
	report.OutputFilesRemoved++
	report.OutputBytesFreed += size
	logger.WithField("bytes", size).Info("removed expired output file")

	if task == nil || task.Status != domain.StatusCompleted {
		return
	}
	err := s.store.Patch(ctx, taskID, repository.TaskPatch{
		Status:  repository.StatusPtr(domain.StatusExpired),
		Message: repository.StringPtr(expiredMessage),
	})
	switch {
	case err == nil:
		report.TasksExpired++
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrStateConflict):
	default:
		report.fail("expire task %s: %v", taskID, err)
	}

	if s.remote != nil {
		if err := s.remote.DeleteRemote(ctx, task); err != nil {
			report.fail("delete mirror for %s: %v", taskID, err)
		}
	}
}

// taskIDFromName recovers the id from a task-XXXX_ prefixed name or a task
// directory name.
func taskIDFromName(name string) string {
	if !strings.HasPrefix(name, "task-") {
		return ""
	}
	id, _, _ := strings.Cut(name, "_")
	return id
}
