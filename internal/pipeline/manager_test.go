package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-converter/internal/domain"
	"audio-converter/internal/queue"
	"audio-converter/internal/repository"
	"audio-converter/internal/repository/memory"
	"audio-converter/internal/retrieval"
	"audio-converter/internal/tasklock"
)

type fakeFetcher struct {
	store   repository.TaskStore
	workDir string
	calls   atomic.Int32
	fail    bool
}

func (f *fakeFetcher) TaskDir(taskID string) string { return filepath.Join(f.workDir, taskID) }

func (f *fakeFetcher) Fetch(ctx context.Context, taskID, _ string) (*retrieval.Artifact, error) {
	f.calls.Add(1)
	if err := f.store.Patch(ctx, taskID, repository.TaskPatch{Status: repository.StatusPtr(domain.StatusFetching)}); err != nil {
		return nil, err
	}
	path := filepath.Join(f.TaskDir(taskID), taskID+"_clip.webm")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return nil, err
	}
	if f.fail {
		stageErr := domain.NewStageError(domain.ErrExtraction, "retrieval", "All download strategies failed", nil)
		_ = f.store.Patch(ctx, taskID, repository.TaskPatch{
			Status: repository.StatusPtr(domain.StatusFailed),
			Error:  repository.StringPtr(stageErr.Error()),
		})
		return nil, stageErr
	}
	if err := f.store.Patch(ctx, taskID, repository.TaskPatch{Status: repository.StatusPtr(domain.StatusTranscoding)}); err != nil {
		return nil, err
	}
	return &retrieval.Artifact{Path: path, Strategy: "ios", Size: 5}, nil
}

type fakeEncoder struct {
	store  repository.TaskStore
	inputs chan string
	panics bool
}

func (e *fakeEncoder) Transcode(ctx context.Context, taskID, inputPath string) (string, error) {
	e.inputs <- inputPath
	if e.panics {
		panic("encoder exploded")
	}
	out := filepath.Join(filepath.Dir(filepath.Dir(inputPath)), taskID+".mp3")
	err := e.store.Patch(ctx, taskID, repository.TaskPatch{
		Status:   repository.StatusPtr(domain.StatusCompleted),
		Progress: repository.FloatPtr(100),
		FilePath: repository.StringPtr(out),
	})
	return out, err
}

type fakePublisher struct {
	published chan string
}

func (p *fakePublisher) Publish(_ context.Context, taskID string) error {
	p.published <- taskID
	return nil
}

type harness struct {
	manager   Manager
	store     *memory.TaskStore
	fetcher   *fakeFetcher
	encoder   *fakeEncoder
	publisher *fakePublisher
	locks     *tasklock.Locker
	workDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	workDir := t.TempDir()
	store := memory.NewTaskStore(repository.DefaultRetention)
	logger, _ := test.NewNullLogger()

	locks, err := tasklock.New(filepath.Join(workDir, ".locks"))
	require.NoError(t, err)

	h := &harness{
		store:     store,
		workDir:   workDir,
		fetcher:   &fakeFetcher{store: store, workDir: workDir},
		encoder:   &fakeEncoder{store: store, inputs: make(chan string, 4)},
		publisher: &fakePublisher{published: make(chan string, 4)},
		locks:     locks,
	}
	broker := queue.NewBroker(queue.Config{BufferSize: 8, RedeliveryDelay: 10 * time.Millisecond, Logger: logger})
	h.manager = NewManager(Config{Logger: logger}, store, broker, h.fetcher, h.encoder, h.publisher, locks)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
}

func (h *harness) create(t *testing.T, id string, path ...domain.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, &domain.Task{ID: id, SourceURL: "https://example.com/v/" + id}))
	for _, s := range path {
		require.NoError(t, h.store.Patch(ctx, id, repository.TaskPatch{Status: repository.StatusPtr(s)}))
	}
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline")
		return ""
	}
}

func TestTaskFlowsThroughAllStages(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.create(t, "task-0000aaaa")

	require.NoError(t, h.manager.Submit(context.Background(), "task-0000aaaa", "https://example.com/v/1"))

	input := waitFor(t, h.encoder.inputs)
	assert.Equal(t, filepath.Join(h.workDir, "task-0000aaaa", "task-0000aaaa_clip.webm"), input)
	assert.Equal(t, "task-0000aaaa", waitFor(t, h.publisher.published))

	task, err := h.store.Get(context.Background(), "task-0000aaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.workDir, "task-0000aaaa"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetrievalFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	h.fetcher.fail = true
	h.start(t)
	h.create(t, "task-0000bbbb")

	require.NoError(t, h.manager.Submit(context.Background(), "task-0000bbbb", "https://example.com/v/2"))

	assert.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), "task-0000bbbb")
		return err == nil && task.Status == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(h.fetcher.TaskDir("task-0000bbbb"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
	assert.Empty(t, h.encoder.inputs)
}

func TestStagePanicMarksTaskFailed(t *testing.T) {
	h := newHarness(t)
	h.encoder.panics = true
	h.start(t)
	h.create(t, "task-0000cccc")

	require.NoError(t, h.manager.Submit(context.Background(), "task-0000cccc", "https://example.com/v/3"))
	waitFor(t, h.encoder.inputs)

	assert.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), "task-0000cccc")
		return err == nil && task.Status == domain.StatusFailed && task.Error == internalFailure
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleJobIsDropped(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.create(t, "task-0000dddd", domain.StatusFetching, domain.StatusTranscoding, domain.StatusCompleted)

	require.NoError(t, h.manager.Submit(context.Background(), "task-0000dddd", "https://example.com/v/4"))
	require.NoError(t, h.manager.Submit(context.Background(), "task-missing", "https://example.com/v/5"))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.fetcher.calls.Load())
}

func TestLockedTaskIsRetriedOnceReleased(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.create(t, "task-00002222")

	lease, ok, err := h.locks.TryAcquire("task-00002222")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.manager.Submit(context.Background(), "task-00002222", "https://example.com/v/6"))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.fetcher.calls.Load())

	require.NoError(t, lease.Release())

	assert.Equal(t, "task-00002222", waitFor(t, h.publisher.published))
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
	task, err := h.store.Get(context.Background(), "task-00002222")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
}

func TestResumeRequeuesUnfinishedTasks(t *testing.T) {
	h := newHarness(t)
	h.create(t, "task-0000eeee")
	h.create(t, "task-0000ffff", domain.StatusFetching, domain.StatusTranscoding)
	h.create(t, "task-00001111", domain.StatusFetching, domain.StatusTranscoding)

	leftover := filepath.Join(h.workDir, "task-00001111", "task-00001111_clip.m4a")
	require.NoError(t, os.MkdirAll(filepath.Dir(leftover), 0o755))
	require.NoError(t, os.WriteFile(leftover, []byte("audio"), 0o644))

	h.start(t)
	require.NoError(t, h.manager.Resume(context.Background()))

	lost, err := h.store.Get(context.Background(), "task-0000ffff")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, lost.Status)
	assert.Equal(t, "Intermediate file was lost before conversion", lost.Error)

	inputs := []string{waitFor(t, h.encoder.inputs), waitFor(t, h.encoder.inputs)}
	assert.Contains(t, inputs, leftover)
	assert.Contains(t, inputs, filepath.Join(h.workDir, "task-0000eeee", "task-0000eeee_clip.webm"))

	published := []string{waitFor(t, h.publisher.published), waitFor(t, h.publisher.published)}
	assert.ElementsMatch(t, []string{"task-0000eeee", "task-00001111"}, published)
}
