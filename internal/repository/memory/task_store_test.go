package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewTaskStore(repository.DefaultRetention).WithClock(func() time.Time { return clock })

	require.NoError(t, store.Create(ctx, &domain.Task{ID: "task-m", SourceURL: "u"}))
	assert.ErrorIs(t, store.Create(ctx, &domain.Task{ID: "task-m"}), domain.ErrStateConflict)

	err := store.Patch(ctx, "task-m", repository.TaskPatch{Status: repository.StatusPtr(domain.StatusTranscoding)})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	require.NoError(t, store.Patch(ctx, "task-m", repository.TaskPatch{Status: repository.StatusPtr(domain.StatusFetching)}))
	require.NoError(t, store.Patch(ctx, "task-m", repository.TaskPatch{DownloadCountDelta: 3}))

	got, err := store.Get(ctx, "task-m")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFetching, got.Status)
	assert.Equal(t, 3, got.DownloadCount)

	// mutating the returned copy leaves the stored record alone
	got.Title = "changed"
	again, err := store.Get(ctx, "task-m")
	require.NoError(t, err)
	assert.Empty(t, again.Title)

	clock = clock.Add(8 * 24 * time.Hour)
	_, err = store.Get(ctx, "task-m")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.Patch(ctx, "task-m", repository.TaskPatch{}), domain.ErrNotFound)

	purged, err := store.PurgeExpired(ctx, clock)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
