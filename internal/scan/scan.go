// Package scan enumerates encrypted source databases and compares them with
// their decrypted mirrors.
package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/resolve"
)

const (
	// DefaultExtension is the suffix of source database files.
	DefaultExtension = ".db"

	// DefaultStorageSubdir is the directory inside an account directory
	// that holds the databases. The account directory itself is scanned
	// when it is absent.
	DefaultStorageSubdir = "db_storage"

	// mirrorDirName is the directory created under the documents folder
	// when no mirror root is configured.
	mirrorDirName = "dbmirror"
)

// Config holds scanner configuration.
type Config struct {
	// Root is the source root holding one directory per account.
	Root string

	// Account is the configured account identifier.
	Account string

	// MirrorRoot is where decrypted copies are written.
	// Default: DefaultMirrorRoot()
	MirrorRoot string

	// Extension selects database files by suffix. Default: ".db"
	Extension string

	// StorageSubdir is looked up inside the account directory.
	// Default: "db_storage"
	StorageSubdir string

	// Tag is the account identifier prefix used for canonicalization.
	Tag string

	Logger zerolog.Logger
}

// Report is the result of one scan.
type Report struct {
	// SourceDir is the directory that was walked.
	SourceDir string

	// Layout maps file names to mirror paths.
	Layout mirror.Layout

	// Files holds one record per source database, smallest first.
	Files []mirror.ChangeRecord
}

// NeedsUpdate returns the records whose mirror exists and is stale.
func (r *Report) NeedsUpdate() []mirror.ChangeRecord {
	var out []mirror.ChangeRecord
	for _, f := range r.Files {
		if f.NeedsUpdate() {
			out = append(out, f)
		}
	}
	return out
}

// Pending returns the records that have never been decrypted.
func (r *Report) Pending() []mirror.ChangeRecord {
	var out []mirror.ChangeRecord
	for _, f := range r.Files {
		if f.Pending() {
			out = append(out, f)
		}
	}
	return out
}

// Sources extracts the source files from records, preserving order.
func Sources(records []mirror.ChangeRecord) []mirror.SourceFile {
	out := make([]mirror.SourceFile, 0, len(records))
	for _, r := range records {
		out = append(out, r.Source)
	}
	return out
}

// Scanner walks the configured account's storage directory.
type Scanner struct {
	cfg      Config
	resolver *resolve.Resolver
	logger   zerolog.Logger
}

// New creates a Scanner. Missing optional settings get their defaults.
func New(cfg Config) *Scanner {
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.StorageSubdir == "" {
		cfg.StorageSubdir = DefaultStorageSubdir
	}
	if cfg.MirrorRoot == "" {
		cfg.MirrorRoot = DefaultMirrorRoot()
	}
	r := resolve.New(cfg.Logger)
	if cfg.Tag != "" {
		r.Tag = cfg.Tag
	}
	return &Scanner{cfg: cfg, resolver: r, logger: cfg.Logger}
}

// DefaultMirrorRoot returns <home>/Documents/dbmirror, falling back to the
// working directory when the home directory is unknown.
func DefaultMirrorRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return mirrorDirName
	}
	return filepath.Join(home, "Documents", mirrorDirName)
}

// Layout returns the mirror layout for the configured account.
func (s *Scanner) Layout() mirror.Layout {
	return mirror.Layout{Root: s.cfg.MirrorRoot, Account: s.resolver.Canonical(s.cfg.Account)}
}

// SourceDir resolves the storage directory of the configured account.
func (s *Scanner) SourceDir() (string, error) {
	if s.cfg.Root == "" {
		return "", mirror.ErrRootNotConfigured
	}
	if s.cfg.Account == "" {
		return "", mirror.ErrAccountNotConfigured
	}

	name, ok := s.resolver.AccountDir(s.cfg.Root, s.cfg.Account)
	if !ok {
		return "", mirror.Errorf(mirror.KindPathNotFound, "resolve", filepath.Join(s.cfg.Root, s.cfg.Account), mirror.ErrAccountDirNotFound)
	}

	accountDir := filepath.Join(s.cfg.Root, name)
	storage := filepath.Join(accountDir, s.cfg.StorageSubdir)
	if info, err := os.Stat(storage); err == nil && info.IsDir() {
		return storage, nil
	}
	return accountDir, nil
}

// Scan walks the source directory and builds a change record for every
// database file, sorted by ascending size.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	dir, err := s.SourceDir()
	if err != nil {
		return nil, err
	}

	layout := s.Layout()
	ext := strings.ToLower(s.cfg.Extension)
	var files []mirror.ChangeRecord

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// Unreadable directories are skipped, not fatal.
			s.logger.Debug().Err(err).Str("path", path).Msg("Skipping unreadable path")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ext) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Debug().Err(err).Str("path", path).Msg("Source file vanished during scan")
			return nil
		}

		src := mirror.SourceFile{
			Name:    d.Name(),
			Path:    path,
			Size:    info.Size(),
			Account: layout.Account,
			ModTime: info.ModTime(),
		}
		files = append(files, mirror.ChangeRecord{Source: src, Mirror: layout.Stat(src.Name)})
		return nil
	})
	if walkErr != nil {
		return nil, mirror.Errorf(mirror.KindUnknown, "scan", dir, walkErr)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Source.Size < files[j].Source.Size
	})

	s.logger.Debug().Str("dir", dir).Int("files", len(files)).Msg("Scan complete")

	return &Report{SourceDir: dir, Layout: layout, Files: files}, nil
}
