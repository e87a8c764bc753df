package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"audio-converter/internal/domain"
	"audio-converter/internal/repository"
	"audio-converter/internal/toolrun"
)

const (
	stageName = "transcode"
	// unknownDurationRaw is reported when the input length could not be probed.
	unknownDurationRaw = 50
)

var timePattern = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

type Config struct {
	Binary       string
	PublishedDir string
	Timeout      time.Duration
	SampleEvery  int
	Logger       *logrus.Logger
}

// Transcoder converts retrieved media into the published MP3.
type Transcoder struct {
	cfg    Config
	store  repository.TaskStore
	runner toolrun.Runner
	prober DurationProber
}

func New(cfg Config, store repository.TaskStore, runner toolrun.Runner, prober DurationProber) *Transcoder {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
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
	if prober == nil {
		prober = FFProbe{}
	}
	return &Transcoder{cfg: cfg, store: store, runner: runner, prober: prober}
}

// OutputPath keeps the input's base name so the task id prefix survives.
func (t *Transcoder) OutputPath(inputPath string) string {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(t.cfg.PublishedDir, base+".mp3")
}

// EncoderArgs renders the ffmpeg command line for one conversion.
func EncoderArgs(inputPath, outputPath, taskID string) []string {
	return ffmpeg.Input(inputPath).
		Output(outputPath, ffmpeg.KwArgs{
			"vn":       nil,
			"c:a":      "libmp3lame",
			"q:a":      2,
			"metadata": "task_id=" + taskID,
		}).
		OverWriteOutput().
		GetArgs()
}

// Transcode encodes inputPath, reporting progress in the transcode window.
// Success marks the task Completed and removes the input.
func (t *Transcoder) Transcode(ctx context.Context, taskID, inputPath string) (string, error) {
	logger := t.cfg.Logger.WithField("task_id", taskID)

	if err := os.MkdirAll(t.cfg.PublishedDir, 0o755); err != nil {
		return "", t.fail(ctx, logger, taskID, domain.NewStageError(domain.ErrStorage, stageName, "create published directory", err))
	}
	if _, err := os.Stat(inputPath); err != nil {
		return "", t.fail(ctx, logger, taskID, domain.NewStageError(domain.ErrTranscode, stageName, "input file missing", err))
	}

	total, err := t.prober.Duration(ctx, inputPath)
	if err != nil {
		logger.WithError(err).Warn("duration unknown, progress will be approximate")
		total = 0
	}

	_ = t.store.Patch(ctx, taskID, repository.TaskPatch{
		Message: repository.StringPtr("Converting to MP3..."),
	})

	outputPath := t.OutputPath(inputPath)
	gate := domain.NewProgressGate(domain.TranscodeWindow, t.cfg.SampleEvery)
	onLine := func(line string) {
		elapsed, ok := ParseElapsed(line)
		if !ok {
			return
		}
		raw := float64(unknownDurationRaw)
		if total > 0 {
			raw = min(100, elapsed.Seconds()/total.Seconds()*100)
		}
		if value, write := gate.Observe(raw); write {
			_ = t.store.Patch(ctx, taskID, repository.TaskPatch{Progress: repository.FloatPtr(value)})
		}
	}

	logger.WithFields(logrus.Fields{"input": inputPath, "output": outputPath}).Info("starting encoder")
	res, err := t.runner.Run(ctx, toolrun.Command{
		Binary:  t.cfg.Binary,
		Args:    EncoderArgs(inputPath, outputPath, taskID),
		Timeout: t.cfg.Timeout,
		OnLine:  onLine,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, domain.ErrTimeout) {
			return "", ctx.Err()
		}
		_ = os.Remove(outputPath)
		if errors.Is(err, domain.ErrTimeout) {
			return "", t.fail(ctx, logger, taskID, domain.NewStageError(domain.ErrTimeout, stageName, "Conversion timed out", err))
		}
		return "", t.fail(ctx, logger, taskID, domain.NewStageError(domain.ErrTranscode, stageName, "Conversion failed", err))
	}
	if res != nil && res.ExitCode != 0 {
		return "", t.fail(ctx, logger, taskID, domain.NewStageError(domain.ErrTranscode, stageName,
			fmt.Sprintf("Conversion failed with status %d: %s", res.ExitCode, res.TailText()), nil))
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return "", t.fail(ctx, logger, taskID, domain.NewStageError(domain.ErrTranscode, stageName, "encoder produced no output", err))
	}

	if err := os.Remove(inputPath); err != nil {
		logger.WithError(err).Warn("failed to remove intermediate file")
	}

	if err := t.store.Patch(ctx, taskID, repository.TaskPatch{
		Status:   repository.StatusPtr(domain.StatusCompleted),
		Progress: repository.FloatPtr(domain.TranscodeWindow.Hi),
		FilePath: repository.StringPtr(outputPath),
		Message:  repository.StringPtr("Conversion complete"),
	}); err != nil {
		return "", fmt.Errorf("mark completed: %w", err)
	}
	logger.WithField("bytes", info.Size()).Info("transcode completed")
	return outputPath, nil
}

func (t *Transcoder) fail(ctx context.Context, logger *logrus.Entry, taskID string, stageErr *domain.StageError) error {
	logger.WithError(stageErr).Error("transcode failed")
	if err := t.store.Patch(ctx, taskID, repository.TaskPatch{
		Status:  repository.StatusPtr(domain.StatusFailed),
		Error:   repository.StringPtr(stageErr.Error()),
		Message: repository.StringPtr("Conversion failed"),
	}); err != nil {
		logger.WithError(err).Error("failed to record transcode failure")
	}
	return stageErr
}

// ParseElapsed extracts the encoder's time=HH:MM:SS.ms position.
func ParseElapsed(line string) (time.Duration, bool) {
	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	total := float64(hours*3600+minutes*60) + seconds
	return time.Duration(total * float64(time.Second)), true
}
