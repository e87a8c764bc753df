//go:build !linux

package sweep

import (
	"os"
	"time"
)

func lastTouched(info os.FileInfo) time.Time {
	return info.ModTime()
}
