//go:build unix

package pipeline

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isLockError reports whether err means another process holds the file.
func isLockError(err error) bool {
	return errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.ETXTBSY)
}
