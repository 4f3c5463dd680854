//go:build darwin || freebsd || netbsd

package fingerprint

import (
	"io/fs"
	"syscall"
)

// changeStamp returns the inode change time and inode number of a file.
func changeStamp(info fs.FileInfo) (int64, uint64) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return st.Ctimespec.Nano(), uint64(st.Ino)
}
