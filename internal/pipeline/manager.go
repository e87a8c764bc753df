package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"audio-converter/internal/domain"
	"audio-converter/internal/queue"
	"audio-converter/internal/repository"
	"audio-converter/internal/retrieval"
	"audio-converter/internal/tasklock"
)

const (
	payloadURL   = "url"
	payloadInput = "input"
	payloadPath  = "path"

	internalFailure = "Unexpected error while processing the task"
	lostInput       = "Intermediate file was lost before conversion"
)

// Manager moves tasks through retrieval, transcode and publish.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Submit(ctx context.Context, taskID, sourceURL string) error
	Resume(ctx context.Context) error
}

// Fetcher is the retrieval stage.
type Fetcher interface {
	Fetch(ctx context.Context, taskID, sourceURL string) (*retrieval.Artifact, error)
	TaskDir(taskID string) string
}

// Encoder is the transcode stage.
type Encoder interface {
	Transcode(ctx context.Context, taskID, inputPath string) (string, error)
}

// Publisher finalizes completed tasks.
type Publisher interface {
	Publish(ctx context.Context, taskID string) error
}

// Locker provides per-task mutual exclusion.
type Locker interface {
	TryAcquire(taskID string) (*tasklock.Lease, bool, error)
}

type Config struct {
	RetrievalWorkers int
	TranscodeWorkers int
	PublishWorkers   int
	CleanupWorkers   int
	MaxDeliveries    int
	Logger           *logrus.Logger
}

type manager struct {
	cfg       Config
	store     repository.TaskStore
	broker    *queue.Broker
	fetcher   Fetcher
	encoder   Encoder
	publisher Publisher
	locks     Locker
}

func NewManager(cfg Config, store repository.TaskStore, broker *queue.Broker, fetcher Fetcher, encoder Encoder, publisher Publisher, locks Locker) Manager {
	if cfg.RetrievalWorkers <= 0 {
		cfg.RetrievalWorkers = 4
	}
	if cfg.TranscodeWorkers <= 0 {
		cfg.TranscodeWorkers = 2
	}
	if cfg.PublishWorkers <= 0 {
		cfg.PublishWorkers = 2
	}
	if cfg.CleanupWorkers <= 0 {
		cfg.CleanupWorkers = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &manager{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		fetcher:   fetcher,
		encoder:   encoder,
		publisher: publisher,
		locks:     locks,
	}
}

func (m *manager) Start(ctx context.Context) error {
	queues := []struct {
		name    string
		workers int
		handler queue.Handler
	}{
		{queue.Retrieval, m.cfg.RetrievalWorkers, m.guard(m.handleRetrieval)},
		{queue.Transcode, m.cfg.TranscodeWorkers, m.guard(m.handleTranscode)},
		{queue.Publish, m.cfg.PublishWorkers, m.handlePublish},
		{queue.Cleanup, m.cfg.CleanupWorkers, m.handleCleanup},
	}
	for _, q := range queues {
		if err := m.broker.Register(q.name, q.workers, q.handler); err != nil {
			return fmt.Errorf("register %s queue: %w", q.name, err)
		}
	}
	if err := m.broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	m.cfg.Logger.Info("pipeline started")
	return nil
}

func (m *manager) Shutdown(ctx context.Context) error {
	err := m.broker.Shutdown(ctx)
	m.cfg.Logger.Info("pipeline stopped")
	return err
}

func (m *manager) Submit(ctx context.Context, taskID, sourceURL string) error {
	return m.broker.Enqueue(ctx, queue.Job{
		Queue:   queue.Retrieval,
		TaskID:  taskID,
		Payload: map[string]string{payloadURL: sourceURL},
	})
}

// Resume re-enqueues work for tasks left mid-pipeline by a previous process.
func (m *manager) Resume(ctx context.Context) error {
	tasks, err := m.store.ListByStatuses(ctx,
		domain.StatusPending,
		domain.StatusFetching,
		domain.StatusTranscoding,
		domain.StatusCompleted,
	)
	if err != nil {
		return err
	}

	for i := range tasks {
		task := tasks[i]
		logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": task.ID, "status": task.Status.String()})
		switch task.Status {
		case domain.StatusPending, domain.StatusFetching:
			err = m.Submit(ctx, task.ID, task.SourceURL)
		case domain.StatusTranscoding:
			input, findErr := retrieval.SelectCandidate(m.fetcher.TaskDir(task.ID))
			if findErr != nil {
				m.recordFailure(ctx, task.ID, lostInput)
				continue
			}
			err = m.broker.Enqueue(ctx, queue.Job{
				Queue:   queue.Transcode,
				TaskID:  task.ID,
				Payload: map[string]string{payloadInput: input},
			})
		case domain.StatusCompleted:
			if task.FileMetadata != nil {
				continue
			}
			err = m.broker.Enqueue(ctx, queue.Job{Queue: queue.Publish, TaskID: task.ID})
		}
		if err != nil {
			return fmt.Errorf("resume task %s: %w", task.ID, err)
		}
		logger.Info("resumed task")
	}
	return nil
}

// guard records panics and unexpected errors on the last delivery as a
// Failed task. Stage errors are already recorded and are not redelivered.
func (m *manager) guard(handler queue.Handler) queue.Handler {
	return func(ctx context.Context, job queue.Job) (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.cfg.Logger.WithField("task_id", job.TaskID).Errorf("stage panic: %v", r)
				m.recordFailure(ctx, job.TaskID, internalFailure)
				err = nil
			}
		}()

		err = handler(ctx, job)
		if err == nil || ctx.Err() != nil || errors.Is(err, queue.ErrBusy) {
			return err
		}
		var stageErr *domain.StageError
		if errors.As(err, &stageErr) {
			// already recorded on the task by the stage
			return nil
		}
		if job.Delivery >= m.cfg.MaxDeliveries {
			m.cfg.Logger.WithField("task_id", job.TaskID).WithError(err).Error("stage failed unexpectedly")
			m.recordFailure(ctx, job.TaskID, internalFailure)
			return nil
		}
		return err
	}
}

func (m *manager) recordFailure(ctx context.Context, taskID, message string) {
	err := m.store.Patch(ctx, taskID, repository.TaskPatch{
		Status:  repository.StatusPtr(domain.StatusFailed),
		Error:   repository.StringPtr(message),
		Message: repository.StringPtr(message),
	})
	if err != nil {
		m.cfg.Logger.WithField("task_id", taskID).WithError(err).Warn("could not mark task failed")
	}
}

// acquire loads the task, checks it is in one of the entry statuses and takes
// its lock. A nil lease with nil error means the job should be acknowledged
// without work. A held lock yields queue.ErrBusy so the job comes back later
// and meets the entry status check again.
func (m *manager) acquire(ctx context.Context, job queue.Job, entry ...domain.Status) (*domain.Task, *tasklock.Lease, error) {
	logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": job.TaskID, "queue": job.Queue})

	task, err := m.store.Get(ctx, job.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("dropping job for unknown task")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	allowed := false
	for _, status := range entry {
		if task.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		logger.WithField("status", task.Status.String()).Info("dropping stale job")
		return nil, nil, nil
	}

	lease, ok, err := m.locks.TryAcquire(job.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		logger.Debug("task is locked, deferring job")
		return nil, nil, fmt.Errorf("task %s: %w", job.TaskID, queue.ErrBusy)
	}
	return task, lease, nil
}

func (m *manager) handleRetrieval(ctx context.Context, job queue.Job) error {
	task, lease, err := m.acquire(ctx, job, domain.StatusPending, domain.StatusFetching)
	if lease == nil {
		return err
	}

	sourceURL := job.Payload[payloadURL]
	if sourceURL == "" {
		sourceURL = task.SourceURL
	}

	artifact, err := func() (*retrieval.Artifact, error) {
		defer lease.Release()
		return m.fetcher.Fetch(ctx, task.ID, sourceURL)
	}()
	if err != nil {
		if errors.Is(err, domain.ErrExtraction) {
			m.enqueueCleanup(ctx, task.ID, m.fetcher.TaskDir(task.ID))
		}
		return err
	}
	return m.broker.Enqueue(ctx, queue.Job{
		Queue:   queue.Transcode,
		TaskID:  task.ID,
		Payload: map[string]string{payloadInput: artifact.Path},
	})
}

func (m *manager) handleTranscode(ctx context.Context, job queue.Job) error {
	task, lease, err := m.acquire(ctx, job, domain.StatusTranscoding)
	if lease == nil {
		return err
	}

	input := job.Payload[payloadInput]
	if input == "" {
		if input, err = retrieval.SelectCandidate(m.fetcher.TaskDir(task.ID)); err != nil {
			_ = lease.Release()
			m.recordFailure(ctx, task.ID, lostInput)
			return nil
		}
	}
	err = func() error {
		defer lease.Release()
		_, err := m.encoder.Transcode(ctx, task.ID, input)
		return err
	}()
	var stageErr *domain.StageError
	if err == nil || errors.As(err, &stageErr) {
		m.enqueueCleanup(ctx, task.ID, m.fetcher.TaskDir(task.ID))
	}
	if err != nil {
		return err
	}
	return m.broker.Enqueue(ctx, queue.Job{Queue: queue.Publish, TaskID: task.ID})
}

func (m *manager) handlePublish(ctx context.Context, job queue.Job) error {
	return m.publisher.Publish(ctx, job.TaskID)
}

// handleCleanup removes a task's intermediate files. Missing paths are fine.
func (m *manager) handleCleanup(ctx context.Context, job queue.Job) error {
	path := job.Payload[payloadPath]
	if path == "" {
		return nil
	}
	lease, ok, err := m.locks.TryAcquire(job.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		// a stage is using the files again; the sweep will collect them later
		return nil
	}
	defer lease.Release()

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	m.cfg.Logger.WithFields(logrus.Fields{"task_id": job.TaskID, "path": path}).Debug("intermediate files removed")
	return nil
}

func (m *manager) enqueueCleanup(ctx context.Context, taskID, path string) {
	err := m.broker.Enqueue(ctx, queue.Job{
		Queue:   queue.Cleanup,
		TaskID:  taskID,
		Payload: map[string]string{payloadPath: path},
	})
	if err != nil {
		m.cfg.Logger.WithField("task_id", taskID).WithError(err).Warn("failed to enqueue cleanup")
	}
}

var _ Manager = (*manager)(nil)
