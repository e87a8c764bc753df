// Package app builds the components shared by the server and sweep launchers.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"audio-converter/internal/config"
	"audio-converter/internal/logging"
	"audio-converter/internal/publish"
	"audio-converter/internal/repository"
	"audio-converter/internal/repository/memory"
	"audio-converter/internal/repository/sqlite"
	"audio-converter/internal/storage"
	"audio-converter/internal/sweep"
	"audio-converter/internal/tasklock"
)

func NewLogger(cfg config.Config) (*logrus.Logger, func() error, error) {
	return logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

func Retention(cfg config.Config) repository.Retention {
	return repository.Retention{Window: cfg.Retention.Window, Grace: cfg.Retention.Grace}
}

// OpenStore opens the configured task store. The returned func releases it.
func OpenStore(ctx context.Context, cfg config.Config) (repository.TaskStore, func() error, error) {
	if cfg.Store.Driver == "memory" {
		return memory.NewTaskStore(Retention(cfg)), func() error { return nil }, nil
	}

	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store := sqlite.NewTaskStore(db, Retention(cfg))
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init task store: %w", err)
	}
	return store, db.Close, nil
}

// BuildStorage returns nil when no bucket is configured.
func BuildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("object storage mirror disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}

func NewPublisher(cfg config.Config, store repository.TaskStore, objects storage.Service, logger *logrus.Logger) *publish.Publisher {
	return publish.New(publish.Config{
		PublishedDir: cfg.Paths.PublishedDir,
		Window:       cfg.Retention.Window,
		Bucket:       cfg.Storage.Bucket,
		KeyPrefix:    cfg.Storage.KeyPrefix,
		PresignTTL:   cfg.Storage.PresignTTL,
		Logger:       logger,
	}, store, objects)
}

func NewSweeper(cfg config.Config, store repository.TaskStore, locks *tasklock.Locker, remote sweep.RemoteRemover, logger *logrus.Logger) *sweep.Sweeper {
	return sweep.New(sweep.Config{
		WorkDir:      cfg.Paths.WorkDir,
		PublishedDir: cfg.Paths.PublishedDir,
		WorkMaxAge:   cfg.Retention.WorkMaxAge,
		Retention:    cfg.Retention.Window,
		SkipDirs:     skipDirs(cfg),
		Logger:       logger,
	}, store, locks, remote)
}

// skipDirs keeps the sweep out of a lock directory nested in the work dir.
func skipDirs(cfg config.Config) []string {
	rel, err := filepath.Rel(cfg.Paths.WorkDir, cfg.Paths.LockDir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return []string{first}
}
