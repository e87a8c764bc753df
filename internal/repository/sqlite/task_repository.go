package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
)

const (
	createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	thumbnail TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	file_metadata TEXT NOT NULL DEFAULT '',
	download_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_expires_at ON tasks(expires_at);
`
	selectTaskColumns = `id, source_url, status, progress, message, title, channel, thumbnail, file_path, file_metadata, download_count, error_message, remote_location, created_at, updated_at, expires_at`
)

// TaskStore is the sqlite backed repository.TaskStore. Expiry is stored as
// unix milliseconds so it can be compared in SQL.
type TaskStore struct {
	db        *sql.DB
	retention repository.Retention
	now       func() time.Time
}

func NewTaskStore(db *sql.DB, retention repository.Retention) *TaskStore {
	return &TaskStore{db: db, retention: retention, now: time.Now}
}

var _ repository.TaskStore = (*TaskStore)(nil)

func (s *TaskStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return s.ensureTaskColumns(ctx)
}

func (s *TaskStore) ensureTaskColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(tasks)`)
	if err != nil {
		return fmt.Errorf("describe tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	// remote_location arrived with the object storage mirror
	if _, ok := columns["remote_location"]; !ok {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN remote_location TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add column remote_location: %w", err)
		}
	}
	return nil
}

func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == 0 {
		task.Status = domain.StatusPending
	}
	task.ExpiresAt = now.Add(s.retention.TTL())

	metadata, err := encodeMetadata(task.FileMetadata)
	if err != nil {
		return err
	}

	return withBusyRetry(ctx, func() error {
		// an expired leftover with the same id is reclaimed rather than reported
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND expires_at<=?`, task.ID, now.UnixMilli()); err != nil {
			return fmt.Errorf("reclaim expired task: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id, source_url, status, progress, message, title, channel, thumbnail, file_path, file_metadata, download_count, error_message, remote_location, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
			task.ID,
			task.SourceURL,
			task.Status.String(),
			task.Progress,
			task.Message,
			task.Title,
			task.Channel,
			task.Thumbnail,
			task.FilePath,
			metadata,
			task.DownloadCount,
			task.Error,
			task.RemoteLocation,
			task.CreatedAt.UTC(),
			task.UpdatedAt,
			task.ExpiresAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task insert rows affected: %w", err)
		}
		if aff == 0 {
			return fmt.Errorf("task %s already exists: %w", task.ID, domain.ErrStateConflict)
		}
		return nil
	})
}

func (s *TaskStore) Patch(ctx context.Context, id string, patch repository.TaskPatch) error {
	now := s.now().UTC()

	sets := []string{"updated_at=?"}
	args := []any{now}
	if patch.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, patch.Status.String())
		if *patch.Status == domain.StatusCompleted {
			sets = append(sets, "expires_at=?")
			args = append(args, now.Add(s.retention.TTL()).UnixMilli())
		}
	}
	if patch.Progress != nil {
		sets = append(sets, "progress=?")
		args = append(args, *patch.Progress)
	}
	if patch.Message != nil {
		sets = append(sets, "message=?")
		args = append(args, *patch.Message)
	}
	if patch.FilePath != nil {
		sets = append(sets, "file_path=?")
		args = append(args, *patch.FilePath)
	}
	if patch.FileMetadata != nil {
		metadata, err := encodeMetadata(patch.FileMetadata)
		if err != nil {
			return err
		}
		sets = append(sets, "file_metadata=?")
		args = append(args, metadata)
	}
	if patch.Error != nil {
		sets = append(sets, "error_message=?")
		args = append(args, *patch.Error)
	}
	if patch.RemoteLocation != nil {
		sets = append(sets, "remote_location=?")
		args = append(args, *patch.RemoteLocation)
	}
	if patch.DownloadCountDelta != 0 {
		sets = append(sets, "download_count=download_count+?")
		args = append(args, patch.DownloadCountDelta)
	}

	where := "id=? AND expires_at>?"
	args = append(args, id, now.UnixMilli())
	if patch.Status != nil {
		allowed := domain.Predecessors(*patch.Status)
		placeholders := make([]string, len(allowed))
		for i, status := range allowed {
			placeholders[i] = "?"
			args = append(args, status.String())
		}
		where += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE %s`, strings.Join(sets, ", "), where)

	var affected int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("patch task: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task patch rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s: %s -> %s: %w", id, current.Status, patch.Status, domain.ErrStateConflict)
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	var task *domain.Task
	err := withBusyRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
SELECT `+selectTaskColumns+`
FROM tasks
WHERE id=? AND expires_at>?`,
			id,
			s.now().UTC().UnixMilli(),
		)
		var err error
		task, err = scanTask(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *TaskStore) ListByStatuses(ctx context.Context, statuses ...domain.Status) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := []any{s.now().UTC().UnixMilli()}
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, status.String())
	}

	query := fmt.Sprintf(`
SELECT %s
FROM tasks
WHERE expires_at>? AND status IN (%s)
ORDER BY created_at ASC`, selectTaskColumns, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (s *TaskStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE expires_at<=?`, now.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("purge expired tasks: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task      domain.Task
		status    string
		metadata  string
		expiresMs int64
	)

	if err := scanner.Scan(
		&task.ID,
		&task.SourceURL,
		&status,
		&task.Progress,
		&task.Message,
		&task.Title,
		&task.Channel,
		&task.Thumbnail,
		&task.FilePath,
		&metadata,
		&task.DownloadCount,
		&task.Error,
		&task.RemoteLocation,
		&task.CreatedAt,
		&task.UpdatedAt,
		&expiresMs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	parsed, ok := domain.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("task %s has unknown status %q", task.ID, status)
	}
	task.Status = parsed
	task.ExpiresAt = time.UnixMilli(expiresMs).UTC()

	if metadata != "" {
		var fm domain.FileMetadata
		if err := json.Unmarshal([]byte(metadata), &fm); err != nil {
			return nil, fmt.Errorf("decode file metadata: %w", err)
		}
		task.FileMetadata = &fm
	}
	return &task, nil
}

func encodeMetadata(fm *domain.FileMetadata) (string, error) {
	if fm == nil {
		return "", nil
	}
	raw, err := json.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("encode file metadata: %w", err)
	}
	return string(raw), nil
}
