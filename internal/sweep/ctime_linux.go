//go:build linux

package sweep

import (
	"os"
	"syscall"
	"time"
)

// lastTouched is the later of the inode change time and the modification time.
func lastTouched(info os.FileInfo) time.Time {
	mtime := info.ModTime()
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return mtime
	}
	ctime := time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
	if ctime.After(mtime) {
		return ctime
	}
	return mtime
}
