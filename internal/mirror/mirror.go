// Package mirror defines the data model shared by the scanner, the sync
// pipeline and the coordinator: encrypted source files, their decrypted
// mirror counterparts, and the change records derived from comparing them.
//
// Layout on disk:
//
//	<mirror root>/<account>/<file name>                  committed mirror
//	<mirror root>/<account>/<file name>.old.<millis>       backup during an update
//	<mirror root>/<account>/<file name>.corrupted.<millis> quarantined bad output
package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// BackupTag marks a backup of a mirror file taken before decryption.
	BackupTag = ".old."

	// QuarantineTag marks a decrypted output that failed verification and
	// could not be deleted.
	QuarantineTag = ".corrupted."
)

// SourceFile is a snapshot of one encrypted database file taken at scan time.
type SourceFile struct {
	// Name is the base file name (e.g. "message_0.db").
	Name string
	// Path is the absolute path of the encrypted file.
	Path string
	// Size is the byte size at scan time.
	Size int64
	// Account is the owning account identifier.
	Account string
	// ModTime is the last-modified timestamp at scan time.
	ModTime time.Time
}

// MirrorFile is the decrypted counterpart of a SourceFile.
type MirrorFile struct {
	Path    string
	Exists  bool
	ModTime time.Time
}

// ChangeRecord pairs a source file with the state of its mirror.
type ChangeRecord struct {
	Source SourceFile
	Mirror MirrorFile
}

// NeedsUpdate reports whether an existing mirror is older than its source.
// A file that was never mirrored is not reported here; it belongs to the
// pending-decryption set instead.
func (c ChangeRecord) NeedsUpdate() bool {
	if !c.Mirror.Exists {
		return false
	}
	return c.Source.ModTime.After(c.Mirror.ModTime)
}

// Pending reports whether the source has never been decrypted.
func (c ChangeRecord) Pending() bool {
	return !c.Mirror.Exists
}

// Layout maps source file names to mirror paths for one account.
type Layout struct {
	Root    string
	Account string
}

// Dir returns the account directory inside the mirror root.
func (l Layout) Dir() string {
	return filepath.Join(l.Root, l.Account)
}

// Path returns the mirror path for a source file name.
func (l Layout) Path(name string) string {
	return filepath.Join(l.Dir(), name)
}

// Stat returns the mirror state for a source file name.
func (l Layout) Stat(name string) MirrorFile {
	p := l.Path(name)
	info, err := os.Stat(p)
	if err != nil {
		return MirrorFile{Path: p}
	}
	return MirrorFile{Path: p, Exists: true, ModTime: info.ModTime()}
}

// BackupPath returns the backup name for a mirror path at time t.
func BackupPath(mirrorPath string, t time.Time) string {
	return mirrorPath + BackupTag + strconv.FormatInt(t.UnixMilli(), 10)
}

// QuarantinePath returns the quarantine name for a mirror path at time t.
func QuarantinePath(mirrorPath string, t time.Time) string {
	return mirrorPath + QuarantineTag + strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseBackupName splits a backup file name into the mirror name it belongs
// to and the time the backup was taken.
func ParseBackupName(name string) (string, time.Time, bool) {
	i := strings.LastIndex(name, BackupTag)
	if i <= 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(name[i+len(BackupTag):], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:i], time.UnixMilli(ms), true
}

// String implements fmt.Stringer for log output.
func (s SourceFile) String() string {
	return fmt.Sprintf("%s (%d bytes)", s.Name, s.Size)
}
