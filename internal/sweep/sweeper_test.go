package sweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
	"audio-converter/internal/repository/memory"
	"audio-converter/internal/tasklock"
)

type remoteLog struct {
	deleted []string
}

func (r *remoteLog) DeleteRemote(_ context.Context, task *domain.Task) error {
	if task.RemoteLocation != "" {
		r.deleted = append(r.deleted, task.RemoteLocation)
	}
	return nil
}

type fixture struct {
	sweeper   *Sweeper
	store     *memory.TaskStore
	locker    *tasklock.Locker
	remote    *remoteLog
	workDir   string
	published string
}

// newFixture builds a sweeper whose clock runs ahead of the filesystem by
// ahead, which ages every file on disk by that much.
func newFixture(t *testing.T, ahead time.Duration) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		// a long record TTL keeps expired tasks inspectable after the purge step
		store:     memory.NewTaskStore(repository.Retention{Window: 60 * 24 * time.Hour}),
		remote:    &remoteLog{},
		workDir:   filepath.Join(root, "work"),
		published: filepath.Join(root, "published"),
	}
	require.NoError(t, os.MkdirAll(f.workDir, 0o755))
	require.NoError(t, os.MkdirAll(f.published, 0o755))

	locker, err := tasklock.New(filepath.Join(f.workDir, ".locks"))
	require.NoError(t, err)
	f.locker = locker

	logger, _ := test.NewNullLogger()
	f.sweeper = New(Config{
		WorkDir:      f.workDir,
		PublishedDir: f.published,
		WorkMaxAge:   24 * time.Hour,
		Retention:    7 * 24 * time.Hour,
		SkipDirs:     []string{".locks"},
		Logger:       logger,
	}, f.store, locker, f.remote).WithClock(func() time.Time { return time.Now().Add(ahead) })
	return f
}

func (f *fixture) task(t *testing.T, id string, path ...domain.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &domain.Task{ID: id, SourceURL: "u"}))
	for _, s := range path {
		require.NoError(t, f.store.Patch(ctx, id, repository.TaskPatch{Status: repository.StatusPtr(s)}))
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

var completed = []domain.Status{domain.StatusFetching, domain.StatusTranscoding, domain.StatusCompleted}

func TestExpiredPublishedFileIsRemovedAndTaskExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*24*time.Hour)
	f.task(t, "task-11111111", completed...)
	require.NoError(t, f.store.Patch(ctx, "task-11111111", repository.TaskPatch{
		RemoteLocation: repository.StringPtr("s3://bucket/task-11111111/a.mp3"),
	}))
	path := filepath.Join(f.published, "task-11111111_Song.mp3")
	writeFile(t, path, 2048)

	report, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OutputFilesRemoved)
	assert.Equal(t, int64(2048), report.OutputBytesFreed)
	assert.Equal(t, 1, report.TasksExpired)
	assert.Empty(t, report.Errors)
	assert.NoFileExists(t, path)

	task, err := f.store.Get(ctx, "task-11111111")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, task.Status)
	assert.Equal(t, "File expired and was removed from server", task.Message)
	assert.Equal(t, []string{"s3://bucket/task-11111111/a.mp3"}, f.remote.deleted)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*24*time.Hour)
	f.task(t, "task-22222222", completed...)
	writeFile(t, filepath.Join(f.published, "task-22222222_Song.mp3"), 100)
	writeFile(t, filepath.Join(f.published, "orphan.mp3"), 100)
	writeFile(t, filepath.Join(f.workDir, "task-33333333", "task-33333333_x.webm"), 100)

	first, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.OutputFilesRemoved)
	assert.Equal(t, 1, first.WorkFilesRemoved)
	assert.Equal(t, 1, first.WorkDirsRemoved)

	second, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.OutputFilesRemoved)
	assert.Zero(t, second.WorkFilesRemoved)
	assert.Zero(t, second.WorkDirsRemoved)
	assert.Zero(t, second.TasksExpired)
	assert.Empty(t, second.Errors)
}

func TestInFlightTaskFilesAreKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8*24*time.Hour)
	f.task(t, "task-44444444", domain.StatusFetching, domain.StatusTranscoding)
	path := filepath.Join(f.published, "task-44444444_Song.mp3")
	writeFile(t, path, 100)

	report, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OutputFilesRemoved)
	assert.Equal(t, 1, report.Skipped)
	assert.FileExists(t, path)

	task, err := f.store.Get(ctx, "task-44444444")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTranscoding, task.Status)
}

func TestLockHeldWorkFilesAreKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 25*time.Hour)

	held := filepath.Join(f.workDir, "task-55555555", "task-55555555_a.webm")
	stale := filepath.Join(f.workDir, "task-66666666", "task-66666666_b.webm")
	fresh := filepath.Join(f.workDir, "task-77777777", "task-77777777_c.webm")
	writeFile(t, held, 10)
	writeFile(t, stale, 10)
	writeFile(t, fresh, 10)
	future := time.Now().Add(24 * time.Hour)
	require.NoError(t, os.Chtimes(fresh, future, future))

	lease, ok, err := f.locker.TryAcquire("task-55555555")
	require.NoError(t, err)
	require.True(t, ok)
	defer lease.Release()

	report, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.WorkFilesRemoved)
	assert.FileExists(t, held)
	assert.FileExists(t, fresh)
	assert.NoFileExists(t, stale)
	assert.NoDirExists(t, filepath.Dir(stale))
	assert.DirExists(t, f.locker.Dir())
}

func TestStaleLockFilesArePruned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	old := time.Now().Add(-30 * 24 * time.Hour)

	stale := filepath.Join(f.locker.Dir(), "task-old00001.lock")
	writeFile(t, stale, 0)
	require.NoError(t, os.Chtimes(stale, old, old))

	lease, ok, err := f.locker.TryAcquire("task-old00002")
	require.NoError(t, err)
	require.True(t, ok)
	defer lease.Release()
	busy := filepath.Join(f.locker.Dir(), "task-old00002.lock")
	require.NoError(t, os.Chtimes(busy, old, old))

	recent := filepath.Join(f.locker.Dir(), "task-new00003.lock")
	writeFile(t, recent, 0)

	report, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LocksRemoved)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, busy)
	assert.FileExists(t, recent)
	assert.Empty(t, report.Errors)

	again, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.LocksRemoved)
}

func TestRecentPublishedFilesAreKept(t *testing.T) {
	f := newFixture(t, 6*24*time.Hour)
	f.task(t, "task-88888888", completed...)
	path := filepath.Join(f.published, "task-88888888_Song.mp3")
	writeFile(t, path, 100)

	report, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.OutputFilesRemoved)
	assert.FileExists(t, path)
}

func TestRunDaemonStopsWithContext(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, f.sweeper.RunDaemon(ctx, 10*time.Millisecond))
}

func TestTaskIDFromName(t *testing.T) {
	assert.Equal(t, "task-1a2b3c4d", taskIDFromName("task-1a2b3c4d_Some_Title.mp3"))
	assert.Equal(t, "task-1a2b3c4d", taskIDFromName("task-1a2b3c4d"))
	assert.Equal(t, "", taskIDFromName("song.mp3"))
}
