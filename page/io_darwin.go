//go:build darwin

package page

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync uses F_FULLFSYNC since darwin has no fdatasync.
func fdatasync(f *os.File) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
	return err
}

func fallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
