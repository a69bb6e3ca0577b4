package mirror

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindConfigurationMissing means a root, account or key is unset.
	KindConfigurationMissing
	// KindPathNotFound means the resolved account directory is absent.
	KindPathNotFound
	// KindSourceUnreadable means a source file vanished or cannot be opened.
	KindSourceUnreadable
	// KindLockContention means a rename or open kept failing with a busy error.
	KindLockContention
	// KindCorruption means a decrypted file failed structural verification.
	KindCorruption
	// KindSoftVerification means verification raised a non-structural error.
	KindSoftVerification
	// KindDecrypt means the decrypt primitive reported failure.
	KindDecrypt
	// KindTimeout means the whole update cycle exceeded its ceiling.
	KindTimeout
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfigurationMissing:
		return "configuration missing"
	case KindPathNotFound:
		return "path not found"
	case KindSourceUnreadable:
		return "source unreadable"
	case KindLockContention:
		return "lock contention"
	case KindCorruption:
		return "corruption"
	case KindSoftVerification:
		return "soft verification warning"
	case KindDecrypt:
		return "decrypt failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Common errors returned by the engine.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, mirror.ErrAccountDirNotFound) {
//	    // the configured account has no directory under the source root
//	}
var (
	// ErrRootNotConfigured is returned when no source root is configured.
	ErrRootNotConfigured = errors.New("source root not configured")

	// ErrAccountNotConfigured is returned when no account identifier is configured.
	ErrAccountNotConfigured = errors.New("account identifier not configured")

	// ErrKeyNotConfigured is returned when no decryption key is configured.
	ErrKeyNotConfigured = errors.New("decryption key not configured")

	// ErrAccountDirNotFound is returned when the account directory cannot be
	// resolved under the source root.
	ErrAccountDirNotFound = errors.New("account directory not found")

	// ErrLockContention is returned when a mirror file stays locked after all
	// rename retries.
	ErrLockContention = errors.New("mirror file is locked")

	// ErrCorrupt is returned when a decrypted file fails its integrity check.
	ErrCorrupt = errors.New("decrypted database is corrupt")

	// ErrTimeout is returned when an update cycle exceeds its ceiling.
	ErrTimeout = errors.New("update cycle timed out")

	// ErrDisabled is returned when auto update is switched off by configuration.
	ErrDisabled = errors.New("auto update disabled")
)

// Error carries the kind and location of a failure.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf wraps err with a kind, an operation name and a path.
func Errorf(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of err. Sentinel errors are classified even when
// they are not wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrRootNotConfigured),
		errors.Is(err, ErrAccountNotConfigured),
		errors.Is(err, ErrKeyNotConfigured):
		return KindConfigurationMissing
	case errors.Is(err, ErrAccountDirNotFound):
		return KindPathNotFound
	case errors.Is(err, ErrLockContention):
		return KindLockContention
	case errors.Is(err, ErrCorrupt):
		return KindCorruption
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	}
	return KindUnknown
}

// IsFatal returns true if the error aborts an operation before any file is
// touched (missing configuration or a missing account directory).
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfigurationMissing, KindPathNotFound:
		return true
	}
	return false
}

// IsRetryable returns true if the error is likely to succeed on a later cycle.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindLockContention, KindTimeout, KindSourceUnreadable:
		return true
	}
	return false
}
