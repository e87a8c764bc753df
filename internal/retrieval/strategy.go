package retrieval

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

// DefaultAttemptTimeout bounds a single strategy invocation.
const DefaultAttemptTimeout = 300 * time.Second

// Strategy is one way of asking the retrieval tool for the media. Strategies
// are plain data so the fallback order can be configured.
type Strategy struct {
	Name          string
	UserAgent     string
	Headers       map[string]string
	ExtraArgs     []string
	SleepInterval int
	MaxSleep      int
	Timeout       time.Duration
}

// DefaultStrategies returns the built-in fallback chain, most reliable first.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:      "ios",
			UserAgent: "com.google.ios.youtube/17.33.2 (iPhone14,3; U; CPU iPhone OS 15_6 like Mac OS X)",
			Headers: map[string]string{
				"X-YouTube-Client-Name":    "5",
				"X-YouTube-Client-Version": "17.33.2",
			},
			ExtraArgs:     []string{"--extractor-args", "youtube:player_client=ios"},
			SleepInterval: 1,
			MaxSleep:      2,
			Timeout:       DefaultAttemptTimeout,
		},
		{
			Name:      "android_tv",
			UserAgent: "com.google.android.apps.youtube.leanback/2.37.03 (Linux; U; Android 10)",
			Headers: map[string]string{
				"X-YouTube-Client-Name":    "29",
				"X-YouTube-Client-Version": "2.37.03",
			},
			ExtraArgs:     []string{"--extractor-args", "youtube:player_client=android_tv"},
			SleepInterval: 2,
			Timeout:       DefaultAttemptTimeout,
		},
		{
			Name:      "android",
			UserAgent: "com.google.android.youtube/17.31.35 (Linux; U; Android 11) gzip",
			Headers: map[string]string{
				"X-YouTube-Client-Name":    "3",
				"X-YouTube-Client-Version": "17.31.35",
			},
			ExtraArgs:     []string{"--extractor-args", "youtube:player_client=android"},
			SleepInterval: 2,
			Timeout:       DefaultAttemptTimeout,
		},
		{
			Name:          "basic",
			ExtraArgs:     []string{"--no-check-certificate", "--ignore-errors", "--retries", "2"},
			SleepInterval: 3,
			Timeout:       DefaultAttemptTimeout,
		},
	}
}

// progressTemplate makes the tool print one parseable line per progress tick.
const progressTemplate = "download:progress downloaded_bytes=%(progress.downloaded_bytes)s total_bytes=%(progress.total_bytes)s total_bytes_estimate=%(progress.total_bytes_estimate)s speed=%(progress.speed)s eta=%(progress.eta)s"

// OutputTemplate is where the tool writes the artifact. The task id prefix
// lets later stages and the sweep map files back to tasks.
func OutputTemplate(workDir, taskID string) string {
	return filepath.Join(workDir, taskID, taskID+"_%(title).80s.%(ext)s")
}

func baseArgs(workDir, taskID string) []string {
	return []string{
		"--no-playlist",
		"--format", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio",
		"--output", OutputTemplate(workDir, taskID),
		"--newline",
		"--progress-template", progressTemplate,
		"--no-warnings",
	}
}

// Args builds the full argument list for one attempt.
func (s Strategy) Args(workDir, taskID, sourceURL string) []string {
	args := baseArgs(workDir, taskID)
	if s.UserAgent != "" {
		args = append(args, "--user-agent", s.UserAgent)
	}

	keys := make([]string, 0, len(s.Headers))
	for k := range s.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--add-header", fmt.Sprintf("%s:%s", k, s.Headers[k]))
	}

	if s.SleepInterval > 0 {
		args = append(args, "--sleep-interval", fmt.Sprint(s.SleepInterval))
		if s.MaxSleep > s.SleepInterval {
			args = append(args, "--max-sleep-interval", fmt.Sprint(s.MaxSleep))
		}
	}
	args = append(args, s.ExtraArgs...)
	return append(args, sourceURL)
}

func (s Strategy) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultAttemptTimeout
	}
	return s.Timeout
}
