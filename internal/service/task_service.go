package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"audio-converter/internal/domain"
	"audio-converter/internal/publish"
	"audio-converter/internal/repository"
)

const (
	queuedMessage        = "Task queued for processing"
	expiredMessage       = "File expired and was removed from server"
	enqueueFailedMessage = "Could not queue task for processing"
)

// ErrInvalidURL is returned when a submitted source URL is rejected.
var ErrInvalidURL = errors.New("invalid source url")

// CatalogValidator checks a source URL against an external catalog and
// returns whatever descriptive metadata it knows.
type CatalogValidator interface {
	Validate(ctx context.Context, sourceURL string) (domain.SourceMetadata, error)
}

// PermissiveValidator accepts any absolute http(s) URL.
type PermissiveValidator struct{}

func (PermissiveValidator) Validate(_ context.Context, sourceURL string) (domain.SourceMetadata, error) {
	parsed, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return domain.SourceMetadata{}, fmt.Errorf("%w: %q", ErrInvalidURL, sourceURL)
	}
	return domain.SourceMetadata{}, nil
}

// Submitter hands a created task to the pipeline.
type Submitter interface {
	Submit(ctx context.Context, taskID, sourceURL string) error
}

// Files is the part of the publisher the service reads from.
type Files interface {
	EnsureMetadata(ctx context.Context, task *domain.Task) (*domain.FileMetadata, error)
	ResolveFile(ctx context.Context, taskID string) (*publish.ResolvedFile, error)
	ExpiresText(task *domain.Task) string
	RemoteURL(ctx context.Context, task *domain.Task) string
}

// StatusView is the client-facing shape of a task.
type StatusView struct {
	TaskID            string  `json:"taskId"`
	Status            string  `json:"status"`
	Progress          float64 `json:"progress"`
	Message           string  `json:"message,omitempty"`
	Title             string  `json:"title,omitempty"`
	Channel           string  `json:"channel,omitempty"`
	Thumbnail         string  `json:"thumbnail,omitempty"`
	DownloadURL       string  `json:"downloadUrl,omitempty"`
	RemoteURL         string  `json:"remoteUrl,omitempty"`
	FileSize          *int64  `json:"fileSize,omitempty"`
	FileSizeFormatted string  `json:"fileSizeFormatted,omitempty"`
	Filename          string  `json:"filename,omitempty"`
	DownloadCount     *int    `json:"downloadCount,omitempty"`
	ExpiresText       string  `json:"expiresText,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// TaskService is the facade used by the HTTP layer.
type TaskService interface {
	Submit(ctx context.Context, sourceURL string) (*domain.Task, error)
	GetStatus(ctx context.Context, taskID string) (*StatusView, error)
	ResolveFile(ctx context.Context, taskID string) (*publish.ResolvedFile, error)
}

type taskService struct {
	tasks     repository.TaskStore
	pipeline  Submitter
	files     Files
	validator CatalogValidator
	logger    *logrus.Logger
}

func NewTaskService(tasks repository.TaskStore, pipeline Submitter, files Files, validator CatalogValidator, logger *logrus.Logger) TaskService {
	if validator == nil {
		validator = PermissiveValidator{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &taskService{
		tasks:     tasks,
		pipeline:  pipeline,
		files:     files,
		validator: validator,
		logger:    logger,
	}
}

// NewTaskID returns an opaque id of the form task-xxxxxxxx.
func NewTaskID() string {
	return "task-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *taskService) Submit(ctx context.Context, sourceURL string) (*domain.Task, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	meta, err := s.validator.Validate(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	task := &domain.Task{
		ID:        NewTaskID(),
		SourceURL: sourceURL,
		Status:    domain.StatusPending,
		Message:   queuedMessage,
		Title:     meta.Title,
		Channel:   meta.Channel,
		Thumbnail: meta.Thumbnail,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.pipeline.Submit(ctx, task.ID, sourceURL); err != nil {
		if patchErr := s.tasks.Patch(ctx, task.ID, repository.TaskPatch{
			Status:  repository.StatusPtr(domain.StatusFailed),
			Error:   repository.StringPtr(enqueueFailedMessage),
			Message: repository.StringPtr(enqueueFailedMessage),
		}); patchErr != nil {
			s.logger.WithField("task_id", task.ID).WithError(patchErr).Warn("could not mark unqueued task failed")
		}
		return nil, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	s.logger.WithFields(logrus.Fields{"task_id": task.ID, "url": sourceURL}).Info("task submitted")
	return task, nil
}

func (s *taskService) GetStatus(ctx context.Context, taskID string) (*StatusView, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		TaskID:    task.ID,
		Status:    task.Status.String(),
		Progress:  task.Progress,
		Message:   task.Message,
		Title:     task.Title,
		Channel:   task.Channel,
		Thumbnail: task.Thumbnail,
	}

	switch task.Status {
	case domain.StatusCompleted:
		fm, err := s.files.EnsureMetadata(ctx, task)
		if errors.Is(err, domain.ErrNotFound) {
			s.markVanished(ctx, task, view)
			return view, nil
		}
		if err != nil {
			return nil, err
		}
		size := fm.SizeBytes
		count := task.DownloadCount
		view.FileSize = &size
		view.FileSizeFormatted = fm.SizeFormatted
		view.Filename = fm.Filename
		view.DownloadCount = &count
		view.DownloadURL = "/api/download/" + task.ID
		view.ExpiresText = s.files.ExpiresText(task)
		view.RemoteURL = s.files.RemoteURL(ctx, task)
	case domain.StatusFailed:
		view.Error = task.Error
		if view.Error == "" {
			view.Error = "Unknown error occurred"
		}
	case domain.StatusExpired:
		if view.Message == "" {
			view.Message = expiredMessage
		}
	}
	return view, nil
}

// markVanished expires a completed task whose file is gone before the sweep
// got to it.
func (s *taskService) markVanished(ctx context.Context, task *domain.Task, view *StatusView) {
	err := s.tasks.Patch(ctx, task.ID, repository.TaskPatch{
		Status:  repository.StatusPtr(domain.StatusExpired),
		Message: repository.StringPtr(expiredMessage),
	})
	if err != nil {
		s.logger.WithField("task_id", task.ID).WithError(err).Warn("could not expire task with missing file")
	}
	view.Status = domain.StatusExpired.String()
	view.Message = expiredMessage
}

func (s *taskService) ResolveFile(ctx context.Context, taskID string) (*publish.ResolvedFile, error) {
	return s.files.ResolveFile(ctx, taskID)
}
