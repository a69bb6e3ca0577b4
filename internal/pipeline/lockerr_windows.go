//go:build windows

package pipeline

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isLockError reports whether err means another process holds the file.
func isLockError(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_LOCK_VIOLATION) ||
		errors.Is(err, windows.ERROR_ACCESS_DENIED)
}
