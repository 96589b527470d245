package diskcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/ncw/directio"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/page"
)

// externalFiles stores streams too large for the block files, one file per
// stream.
type externalFiles struct {
	paths    CachePaths
	directIO bool
	fault    page.FaultFunc
}

func (x externalFiles) check(op string, addr base.Addr) error {
	if x.fault == nil {
		return nil
	}
	return x.fault(op, x.paths.ExternalPath(addr))
}

// openForWrite opens path with O_DIRECT when enabled and supported by the
// filesystem.
func (x externalFiles) openForWrite(path string) (f *os.File, direct bool, err error) {
	const flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if x.directIO {
		f, err = directio.OpenFile(path, flags, 0o644)
		if err == nil {
			return f, true, nil
		}
		if !errors.Is(err, syscall.EINVAL) {
			return nil, false, err
		}
		log.Debug("direct I/O not supported, using buffered writes", "path", path)
	}
	f, err = os.OpenFile(path, flags, 0o644)
	return f, false, err
}

// isAligned reports whether block starts on a direct I/O alignment boundary.
func isAligned(block []byte) bool {
	if len(block) == 0 {
		return true
	}
	alignment := int(uintptr(unsafe.Pointer(&block[0])) & uintptr(directio.AlignSize-1))
	return alignment == 0
}

// write replaces the contents of the file of addr with value using aligned
// writes, truncate and atomic rename.
func (x externalFiles) write(addr base.Addr, value []byte) error {
	if err := x.check("write", addr); err != nil {
		return err
	}
	finalPath := x.paths.ExternalPath(addr)
	tempPath := filepath.Join(filepath.Dir(finalPath), ".tmp-"+filepath.Base(finalPath))

	f, direct, err := x.openForWrite(tempPath)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer f.Close()

	actualSize := len(value)
	bufToWrite := value
	if direct {
		const mask = directio.BlockSize - 1
		paddedSize := (actualSize + mask) &^ mask
		if !isAligned(value) || len(value) != paddedSize {
			bufToWrite = directio.AlignedBlock(paddedSize)
			copy(bufToWrite, value)
		}
	}

	if _, err := f.Write(bufToWrite); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Drop the alignment padding.
	if len(bufToWrite) != actualSize {
		if err := os.Truncate(tempPath, int64(actualSize)); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("failed to truncate file: %w", err)
		}
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename to final path: %w", err)
	}
	return nil
}

// readAt fills p from offset off of the file of addr.
func (x externalFiles) readAt(addr base.Addr, p []byte, off int64) (int, error) {
	if err := x.check("read", addr); err != nil {
		return 0, err
	}
	f, err := os.Open(x.paths.ExternalPath(addr))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		if n < len(p) {
			return n, fmt.Errorf("%w: external file %s is short", ErrInvalidEntry, addr)
		}
		err = nil
	}
	return n, err
}

// readAll reads size bytes and verifies them against expected.
func (x externalFiles) readAll(addr base.Addr, size int, expected uint32) ([]byte, error) {
	if err := x.check("read", addr); err != nil {
		return nil, err
	}
	f, err := os.Open(x.paths.ExternalPath(addr))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(newChecksumVerifyingReader(io.LimitReader(f, int64(size)), streamHasher, expected))
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: external file %s holds %d of %d bytes", ErrInvalidEntry, addr, len(data), size)
	}
	return data, nil
}

// size returns the length of the file of addr.
func (x externalFiles) size(addr base.Addr) (int64, error) {
	st, err := os.Stat(x.paths.ExternalPath(addr))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// remove deletes the file of addr. Missing files are ignored.
func (x externalFiles) remove(addr base.Addr) error {
	if err := x.check("remove", addr); err != nil {
		return err
	}
	if err := os.Remove(x.paths.ExternalPath(addr)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
