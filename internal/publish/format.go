package publish

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// FormatSize renders bytes the way the status view shows them.
func FormatSize(n int64) string {
	kb := float64(n) / 1024
	mb := kb / 1024
	if mb >= 1 {
		return fmt.Sprintf("%.2f MB", mb)
	}
	return fmt.Sprintf("%.2f KB", kb)
}

// ExpiresText describes the time left before a file created at createdAt is
// reclaimed. It is empty once the window has passed.
func ExpiresText(createdAt, now time.Time, window time.Duration) string {
	remaining := createdAt.Add(window).Sub(now)
	if remaining <= 0 {
		return ""
	}
	days := int(remaining / (24 * time.Hour))
	hours := int((remaining % (24 * time.Hour)) / time.Hour)

	if days > 0 {
		text := "File expires in " + plural(days, "day")
		if hours > 0 {
			text += " and " + plural(hours, "hour")
		}
		return text
	}
	return "File expires in " + plural(hours, "hour")
}

func plural(n int, unit string) string {
	if n > 1 {
		return fmt.Sprintf("%d %ss", n, unit)
	}
	return fmt.Sprintf("%d %s", n, unit)
}

const maxTitleLen = 100

var (
	unsafeFilenameChars = strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "?", "_", "*", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
		"「", "_", "」", "_", "‘", "_", "’", "_", "“", "_", "”", "_",
	)
	nonASCIIRun = regexp.MustCompile(`[^\x00-\x7F]+`)
)

// SafeFilename turns a title into an ASCII download name ending in .mp3. It
// returns the fallback when nothing usable is left.
func SafeFilename(title, fallback string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return fallback
	}
	title = unsafeFilenameChars.Replace(title)
	title = nonASCIIRun.ReplaceAllString(title, "_")
	title = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
	title = strings.TrimSpace(title)
	if title == "" || strings.Trim(title, "_.") == "" {
		return fallback
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen-3] + "..."
	}
	return title + ".mp3"
}

// FallbackFilename is used when a task has no usable title.
func FallbackFilename(taskID string) string {
	return fmt.Sprintf("audio_%s.mp3", taskID)
}

// stripTaskPrefix removes the task-XXXX_ prefix from a stored file name.
func stripTaskPrefix(name string) string {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "task-") {
		if _, rest, ok := strings.Cut(base, "_"); ok && rest != "" {
			return rest
		}
	}
	return base
}
