package diskcache

import (
	"errors"
	"net"
	"syscall"
)

// Common errors
var (
	ErrNotFound           = errors.New("entry not found")
	ErrExists             = errors.New("entry already exists")
	ErrDisabled           = errors.New("cache disabled after a fatal error")
	ErrInvalidIndex       = errors.New("invalid index file")
	ErrNumEntriesMismatch = errors.New("index entry counters do not match")
	ErrInvalidEntry       = errors.New("invalid entry")
	ErrNoMoreEntries      = errors.New("no more entries")
	ErrEntryClosed        = errors.New("entry is closed")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrClosed             = errors.New("cache is closed")
	ErrPreviousCrash      = errors.New("cache was not closed cleanly")
)

// IsTransientIOError returns true if the error is likely temporary and
// the operation might succeed if retried. This is used to distinguish
// between "data is gone" and "the system is busy."
func IsTransientIOError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EINTR, // Interrupted system call
			syscall.EAGAIN, // Try again
			syscall.EBUSY,  // Device or resource busy
			syscall.EMFILE, // Too many open files (process limit)
			syscall.ENFILE, // Too many open files (system limit)
			syscall.ENOMEM: // Out of memory
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
