package page

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FaultFunc, when set on a File, is consulted before every I/O call. A
// non-nil result is returned instead of performing the operation.
type FaultFunc func(op, path string) error

// File is a cache file opened for positional I/O.
type File struct {
	f     *os.File
	path  string
	fsync bool
	fault FaultFunc
}

// OpenFile opens (creating if needed) the file at path.
func OpenFile(path string, fsync bool) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &File{f: f, path: path, fsync: fsync}, nil
}

// SetFault installs a fault injector.
func (f *File) SetFault(fn FaultFunc) {
	f.fault = fn
}

func (f *File) check(op string) error {
	if f.fault == nil {
		return nil
	}
	return f.fault(op, f.path)
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// ReadAt fills p from offset off. Bytes beyond the end of the file read as
// zero.
func (f *File) ReadAt(p []byte, off int64) error {
	if err := f.check("read"); err != nil {
		return err
	}
	n, err := f.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read %s at %d: %w", f.path, off, err)
	}
	clear(p[n:])
	return nil
}

// WriteAt writes p at offset off.
func (f *File) WriteAt(p []byte, off int64) error {
	if err := f.check("write"); err != nil {
		return err
	}
	if _, err := f.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("write %s at %d: %w", f.path, off, err)
	}
	return nil
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	st, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.path, err)
	}
	return st.Size(), nil
}

// Grow extends the file to at least size bytes. Shrinking is never done.
func (f *File) Grow(size int64) error {
	if err := f.check("grow"); err != nil {
		return err
	}
	cur, err := f.Size()
	if err != nil {
		return err
	}
	if cur >= size {
		return nil
	}
	if err := fallocate(f.f, size); err != nil {
		// Not every filesystem supports preallocation.
		if err := f.f.Truncate(size); err != nil {
			return fmt.Errorf("grow %s to %d: %w", f.path, size, err)
		}
	}
	return nil
}

// Sync flushes file data to stable storage when the file was opened with
// fsync enabled.
func (f *File) Sync() error {
	if !f.fsync {
		return nil
	}
	if err := f.check("sync"); err != nil {
		return err
	}
	if err := fdatasync(f.f); err != nil {
		return fmt.Errorf("sync %s: %w", f.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}
