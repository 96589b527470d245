//go:build linux

package page

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync syncs file data without forcing a metadata flush.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// fallocate reserves disk space up to size.
func fallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
