//go:build !unix && !windows

package pipeline

import (
	"errors"
	"os"
)

func isLockError(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
