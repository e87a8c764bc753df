package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
	"audio-converter/internal/storage"
)

const defaultContentType = "audio/mpeg"

type Config struct {
	PublishedDir string
	Window       time.Duration
	// Mirror settings; Bucket empty disables the object storage mirror.
	Bucket     string
	KeyPrefix  string
	PresignTTL time.Duration
	Logger     *logrus.Logger
}

// Publisher owns published artifacts: their metadata, how they are served and
// their optional remote mirror.
type Publisher struct {
	cfg     Config
	store   repository.TaskStore
	storage storage.Service
	now     func() time.Time
}

func New(cfg Config, store repository.TaskStore, objects storage.Service) *Publisher {
	if cfg.Window <= 0 {
		cfg.Window = repository.DefaultRetention.Window
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Publisher{cfg: cfg, store: store, storage: objects, now: time.Now}
}

// MirrorEnabled reports whether artifacts are copied to object storage.
func (p *Publisher) MirrorEnabled() bool {
	return p.storage != nil && p.cfg.Bucket != ""
}

// Metadata reads size and timestamps for a published file.
func Metadata(path string) (*domain.FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file %s: %w", path, domain.ErrNotFound)
		}
		return nil, domain.NewStageError(domain.ErrStorage, "publish", "stat published file", err)
	}
	return &domain.FileMetadata{
		SizeBytes:     info.Size(),
		SizeFormatted: FormatSize(info.Size()),
		CreatedAt:     info.ModTime().UTC().Format(time.RFC3339),
		Filename:      filepath.Base(path),
	}, nil
}

// LocateFile returns the task's published file, falling back to a scan of
// the published directory for a file carrying the task id prefix.
func (p *Publisher) LocateFile(ctx context.Context, task *domain.Task) (string, error) {
	if task.FilePath != "" {
		if _, err := os.Stat(task.FilePath); err == nil {
			return task.FilePath, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(p.cfg.PublishedDir, task.ID+"_*.mp3"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("file for task %s: %w", task.ID, domain.ErrNotFound)
	}
	path := matches[0]
	if path != task.FilePath {
		_ = p.store.Patch(ctx, task.ID, repository.TaskPatch{FilePath: repository.StringPtr(path)})
		task.FilePath = path
	}
	return path, nil
}

// EnsureMetadata computes and stores file metadata the first time it is
// needed. Cached metadata is only returned while the file is still present.
func (p *Publisher) EnsureMetadata(ctx context.Context, task *domain.Task) (*domain.FileMetadata, error) {
	path, err := p.LocateFile(ctx, task)
	if err != nil {
		return nil, err
	}
	if task.FileMetadata != nil {
		return task.FileMetadata, nil
	}
	fm, err := Metadata(path)
	if err != nil {
		return nil, err
	}
	if err := p.store.Patch(ctx, task.ID, repository.TaskPatch{FileMetadata: fm}); err != nil {
		return nil, fmt.Errorf("store file metadata: %w", err)
	}
	task.FileMetadata = fm
	return fm, nil
}

// DownloadFilename picks the name offered to the client.
func (p *Publisher) DownloadFilename(task *domain.Task) string {
	fallback := FallbackFilename(task.ID)
	if strings.TrimSpace(task.Title) != "" {
		return SafeFilename(task.Title, fallback)
	}
	if title := embeddedTitle(task.FilePath); title != "" {
		return SafeFilename(title, fallback)
	}
	if task.FilePath != "" {
		return SafeFilename(strings.TrimSuffix(stripTaskPrefix(task.FilePath), ".mp3"), fallback)
	}
	return fallback
}

func embeddedTitle(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	m, err := tag.ReadFrom(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(m.Title())
}

// ResolvedFile is what the download endpoint streams.
type ResolvedFile struct {
	Path        string
	ContentType string
	Filename    string
	Size        int64
}

// ResolveFile checks the task can be served, counts the download and
// refreshes the file's access time.
func (p *Publisher) ResolveFile(ctx context.Context, taskID string) (*ResolvedFile, error) {
	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, domain.ErrStateConflict)
	}

	path, err := p.LocateFile(ctx, task)
	if err != nil {
		return nil, err
	}
	if _, err := p.EnsureMetadata(ctx, task); err != nil {
		p.cfg.Logger.WithField("task_id", taskID).WithError(err).Warn("failed to compute file metadata")
	}

	contentType := defaultContentType
	if mt, err := mimetype.DetectFile(path); err == nil && strings.HasPrefix(mt.String(), "audio/") {
		contentType = mt.String()
	}

	now := p.now()
	if err := os.Chtimes(path, now, now); err != nil {
		p.cfg.Logger.WithField("task_id", taskID).WithError(err).Warn("failed to touch published file")
	}
	if err := p.store.Patch(ctx, taskID, repository.TaskPatch{DownloadCountDelta: 1}); err != nil {
		p.cfg.Logger.WithField("task_id", taskID).WithError(err).Warn("failed to count download")
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	return &ResolvedFile{
		Path:        path,
		ContentType: contentType,
		Filename:    p.DownloadFilename(task),
		Size:        size,
	}, nil
}

// ExpiresText renders the retention countdown for a task.
func (p *Publisher) ExpiresText(task *domain.Task) string {
	return ExpiresText(task.CreatedAt, p.now(), p.cfg.Window)
}

// Publish runs after a successful transcode: it records metadata and mirrors
// the artifact when object storage is configured.
func (p *Publisher) Publish(ctx context.Context, taskID string) error {
	logger := p.cfg.Logger.WithField("task_id", taskID)

	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusCompleted {
		logger.WithField("status", task.Status.String()).Info("skipping publish for task that is not completed")
		return nil
	}
	if _, err := p.EnsureMetadata(ctx, task); err != nil {
		return err
	}
	if !p.MirrorEnabled() || task.RemoteLocation != "" {
		return nil
	}

	lastLogged := time.Time{}
	location, err := p.storage.UploadFile(ctx, task.FilePath, storage.UploadOptions{
		Bucket:      p.cfg.Bucket,
		KeyPrefix:   storage.TaskPrefix(p.cfg.KeyPrefix, taskID),
		ContentType: defaultContentType,
		ProgressCallback: func(done, total int64) {
			if time.Since(lastLogged) < 5*time.Second && done != total {
				return
			}
			lastLogged = time.Now()
			logger.WithFields(logrus.Fields{"uploaded": done, "total": total}).Debug("mirror upload progress")
		},
	})
	if err != nil {
		return fmt.Errorf("mirror upload: %w", err)
	}
	if err := p.store.Patch(ctx, taskID, repository.TaskPatch{RemoteLocation: repository.StringPtr(location)}); err != nil {
		return fmt.Errorf("record mirror location: %w", err)
	}
	logger.WithField("location", location).Info("artifact mirrored")
	return nil
}

// RemoteURL presigns the mirrored copy, or returns "" when there is none.
func (p *Publisher) RemoteURL(ctx context.Context, task *domain.Task) string {
	if p.storage == nil || task.RemoteLocation == "" {
		return ""
	}
	url, err := p.storage.PresignURL(ctx, task.RemoteLocation, p.cfg.PresignTTL)
	if err != nil {
		p.cfg.Logger.WithField("task_id", task.ID).WithError(err).Warn("failed to presign mirror url")
		return ""
	}
	return url
}

// DeleteRemote removes the mirrored copy if one was recorded.
func (p *Publisher) DeleteRemote(ctx context.Context, task *domain.Task) error {
	if p.storage == nil || task.RemoteLocation == "" {
		return nil
	}
	return p.storage.DeleteObject(ctx, task.RemoteLocation)
}
