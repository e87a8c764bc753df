package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
	"audio-converter/internal/toolrun"
)

const stageName = "retrieval"

// Config wires a Retriever.
type Config struct {
	Binary      string
	WorkDir     string
	Strategies  []Strategy
	Limiter     *rate.Limiter
	SampleEvery int
	Logger      *logrus.Logger
}

// Retriever runs the ordered strategy chain for a task.
type Retriever struct {
	cfg    Config
	store  repository.TaskStore
	runner toolrun.Runner
}

// Artifact is a validated retrieval result.
type Artifact struct {
	Path     string
	Strategy string
	Size     int64
}

func New(cfg Config, store repository.TaskStore, runner toolrun.Runner) *Retriever {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if runner == nil {
		runner = toolrun.ExecRunner{}
	}
	return &Retriever{cfg: cfg, store: store, runner: runner}
}

// TaskDir is the per-task scratch directory.
func (r *Retriever) TaskDir(taskID string) string {
	return filepath.Join(r.cfg.WorkDir, taskID)
}

// Fetch moves the task to Fetching, tries each strategy in order and on
// success moves it to Transcoding. Exhaustion marks the task Failed and
// returns an error matching domain.ErrExtraction.
func (r *Retriever) Fetch(ctx context.Context, taskID, sourceURL string) (*Artifact, error) {
	logger := r.cfg.Logger.WithField("task_id", taskID)

	if err := r.store.Patch(ctx, taskID, repository.TaskPatch{
		Status:   repository.StatusPtr(domain.StatusFetching),
		Progress: repository.FloatPtr(domain.RetrievalWindow.Lo),
		Message:  repository.StringPtr("Starting download..."),
	}); err != nil {
		return nil, fmt.Errorf("mark fetching: %w", err)
	}

	total := len(r.cfg.Strategies)
	gate := domain.NewProgressGate(domain.RetrievalWindow, r.cfg.SampleEvery)
	var lastErr error
	for i, strategy := range r.cfg.Strategies {
		if err := r.cfg.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for retrieval slot: %w", err)
		}

		entry := logger.WithFields(logrus.Fields{"strategy": strategy.Name, "attempt": i + 1})
		entry.Info("trying retrieval strategy")
		_ = r.store.Patch(ctx, taskID, repository.TaskPatch{
			Message: repository.StringPtr(fmt.Sprintf("Trying %s strategy (%d/%d)...", strategy.Name, i+1, total)),
		})

		artifact, err := r.attempt(ctx, taskID, sourceURL, strategy, gate)
		if err == nil {
			entry.WithField("path", artifact.Path).Info("retrieval succeeded")
			if err := r.store.Patch(ctx, taskID, repository.TaskPatch{
				Status:   repository.StatusPtr(domain.StatusTranscoding),
				Progress: repository.FloatPtr(domain.RetrievalWindow.Hi),
				Message:  repository.StringPtr("Download complete, converting to MP3..."),
			}); err != nil {
				return nil, fmt.Errorf("mark transcoding: %w", err)
			}
			return artifact, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		entry.WithError(err).Warn("retrieval strategy failed")
		lastErr = err
	}

	stageErr := domain.NewStageError(domain.ErrExtraction, stageName, "All download strategies failed", lastErr)
	if err := r.store.Patch(ctx, taskID, repository.TaskPatch{
		Status:  repository.StatusPtr(domain.StatusFailed),
		Error:   repository.StringPtr(stageErr.Error()),
		Message: repository.StringPtr("Download failed"),
	}); err != nil {
		logger.WithError(err).Error("failed to record retrieval failure")
	}
	return nil, stageErr
}

// attempt runs one strategy. gate spans every attempt of the same Fetch.
func (r *Retriever) attempt(ctx context.Context, taskID, sourceURL string, strategy Strategy, gate *domain.ProgressGate) (*Artifact, error) {
	dir := r.TaskDir(taskID)
	if err := resetDir(dir); err != nil {
		return nil, err
	}

	onLine := func(line string) {
		sample, ok := ParseProgress(line)
		if !ok {
			return
		}
		raw, known := sample.Ratio()
		if !known {
			raw = 50
		}
		if value, write := gate.Observe(raw); write {
			_ = r.store.Patch(ctx, taskID, repository.TaskPatch{Progress: repository.FloatPtr(value)})
		}
	}

	res, err := r.runner.Run(ctx, toolrun.Command{
		Binary:  r.cfg.Binary,
		Args:    strategy.Args(r.cfg.WorkDir, taskID, sourceURL),
		Timeout: strategy.timeout(),
		OnLine:  onLine,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%s strategy: %w", strategy.Name, err)
	}
	if res != nil && res.ExitCode != 0 {
		return nil, fmt.Errorf("%s strategy exited with status %d: %s", strategy.Name, res.ExitCode, res.TailText())
	}

	path, err := SelectCandidate(dir)
	if err != nil {
		return nil, err
	}
	if err := Validate(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.NewStageError(domain.ErrStorage, stageName, "cannot stat artifact", err)
	}
	return &Artifact{Path: path, Strategy: strategy.Name, Size: info.Size()}, nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return domain.NewStageError(domain.ErrStorage, stageName, "clear work directory", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.NewStageError(domain.ErrStorage, stageName, "create work directory", err)
	}
	return nil
}
