package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-converter/internal/config"
	"audio-converter/internal/domain"
)

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{"memory", "sqlite"} {
		var cfg config.Config
		cfg.Store.Driver = driver
		cfg.Store.Path = filepath.Join(t.TempDir(), "tasks.db")
		cfg.Retention.Window = 7 * 24 * time.Hour

		store, closeFn, err := OpenStore(ctx, cfg)
		require.NoError(t, err, driver)
		require.NoError(t, store.Create(ctx, &domain.Task{ID: "task-00000001", SourceURL: "https://example.com/v"}))
		task, err := store.Get(ctx, "task-00000001")
		require.NoError(t, err, driver)
		assert.Equal(t, domain.StatusPending, task.Status)
		require.NoError(t, closeFn())
	}
}

func TestBuildStorageDisabledWithoutBucket(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc, err := BuildStorage(context.Background(), config.Config{}, logger)
	require.NoError(t, err)
	assert.Nil(t, svc)
}

func TestSkipDirs(t *testing.T) {
	var cfg config.Config
	cfg.Paths.WorkDir = "/srv/work"
	cfg.Paths.LockDir = "/srv/work/.locks"
	assert.Equal(t, []string{".locks"}, skipDirs(cfg))

	cfg.Paths.LockDir = "/var/lock/audio"
	assert.Nil(t, skipDirs(cfg))
}
