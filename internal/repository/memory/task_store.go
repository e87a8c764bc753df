package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
)

// TaskStore keeps task records in process memory. It backs tests and the
// memory store driver.
type TaskStore struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	retention repository.Retention
	now       func() time.Time
}

func NewTaskStore(retention repository.Retention) *TaskStore {
	return &TaskStore{
		tasks:     make(map[string]domain.Task),
		retention: retention,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (s *TaskStore) WithClock(now func() time.Time) *TaskStore {
	s.now = now
	return s
}

var _ repository.TaskStore = (*TaskStore)(nil)

func (s *TaskStore) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.tasks[task.ID]; ok && existing.ExpiresAt.After(now) {
		return fmt.Errorf("task %s already exists: %w", task.ID, domain.ErrStateConflict)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Status == 0 {
		task.Status = domain.StatusPending
	}
	task.UpdatedAt = now
	task.ExpiresAt = now.Add(s.retention.TTL())
	s.tasks[task.ID] = clone(*task)
	return nil
}

func (s *TaskStore) Patch(_ context.Context, id string, patch repository.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	task, ok := s.live(id, now)
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	if patch.Status != nil {
		if !domain.CanTransition(task.Status, *patch.Status) {
			return fmt.Errorf("task %s: %s -> %s: %w", id, task.Status, *patch.Status, domain.ErrStateConflict)
		}
		task.Status = *patch.Status
		if task.Status == domain.StatusCompleted {
			task.ExpiresAt = now.Add(s.retention.TTL())
		}
	}
	if patch.Progress != nil {
		task.Progress = *patch.Progress
	}
	if patch.Message != nil {
		task.Message = *patch.Message
	}
	if patch.FilePath != nil {
		task.FilePath = *patch.FilePath
	}
	if patch.FileMetadata != nil {
		fm := *patch.FileMetadata
		task.FileMetadata = &fm
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.RemoteLocation != nil {
		task.RemoteLocation = *patch.RemoteLocation
	}
	task.DownloadCount += patch.DownloadCountDelta
	task.UpdatedAt = now

	s.tasks[id] = task
	return nil
}

func (s *TaskStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.live(id, s.now().UTC())
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	out := clone(task)
	return &out, nil
}

func (s *TaskStore) ListByStatuses(_ context.Context, statuses ...domain.Status) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.Status]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	now := s.now().UTC()
	tasks := []domain.Task{}
	for _, task := range s.tasks {
		if !task.ExpiresAt.After(now) {
			continue
		}
		if _, ok := wanted[task.Status]; ok {
			tasks = append(tasks, clone(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *TaskStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, task := range s.tasks {
		if !task.ExpiresAt.After(now) {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged, nil
}

func (s *TaskStore) live(id string, now time.Time) (domain.Task, bool) {
	task, ok := s.tasks[id]
	if !ok || !task.ExpiresAt.After(now) {
		return domain.Task{}, false
	}
	return task, true
}

func clone(task domain.Task) domain.Task {
	if task.FileMetadata != nil {
		fm := *task.FileMetadata
		task.FileMetadata = &fm
	}
	return task
}
