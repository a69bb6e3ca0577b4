// Package verify checks decrypted SQLite databases and decides what a
// verification failure means for the file that produced it.
//
// Only structural corruption causes a rollback. Other engine errors are
// sorted into categories; categories on the recoverable allow-list pass with
// a warning, and anything else passes but is flagged for operator review.
package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dbmirror/dbmirror/internal/mirror"
)

// Verifier checks a decrypted database file.
type Verifier interface {
	Verify(ctx context.Context, path string) error
}

// Func adapts a function to the Verifier interface.
type Func func(ctx context.Context, path string) error

// Verify implements Verifier.
func (f Func) Verify(ctx context.Context, path string) error {
	return f(ctx, path)
}

// SQLite runs PRAGMA integrity_check on a read-only connection.
type SQLite struct{}

// Verify implements Verifier. A result other than a single "ok" row is
// reported as mirror.ErrCorrupt.
func (SQLite) Verify(ctx context.Context, path string) error {
	conn, err := sql.Open("sqlite3", ReadOnlyDSN(path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()
	conn.SetMaxOpenConns(1)

	rows, err := conn.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(problems) > 0 {
		if len(problems) > 3 {
			problems = append(problems[:3], fmt.Sprintf("and %d more", len(problems)-3))
		}
		return fmt.Errorf("%w: %s", mirror.ErrCorrupt, strings.Join(problems, "; "))
	}
	return nil
}

// ReadOnlyDSN builds a read-only SQLite URI for path.
func ReadOnlyDSN(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		// Windows drive paths need a leading slash in file URIs.
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p, RawQuery: "mode=ro"}
	return u.String()
}

// Category classifies a verification error.
type Category string

const (
	// CategoryCorrupt is structural damage; the file is rolled back.
	CategoryCorrupt Category = "corrupt"
	// CategoryMissingExtension covers missing modules, tokenizers, functions
	// and collations, typical of full-text-search tables.
	CategoryMissingExtension Category = "missing_extension"
	// CategoryLogic is a generic SQL logic error.
	CategoryLogic Category = "logic"
	// CategoryBusy means the file was locked during verification.
	CategoryBusy Category = "busy"
	// CategoryIO covers open, permission and I/O failures.
	CategoryIO Category = "io"
	// CategoryUnknown is anything else.
	CategoryUnknown Category = "unknown"
)

var corruptSignatures = []string{
	"database disk image is malformed",
	"file is not a database",
	"file is encrypted or is not a database",
	"malformed database schema",
}

var extensionSignatures = []string{
	"no such module",
	"no such tokenizer",
	"no such function",
	"no such collation",
	"unknown tokenizer",
}

// Classify maps a verification error to a Category. nil is not classified.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	if errors.Is(err, mirror.ErrCorrupt) {
		return CategoryCorrupt
	}

	msg := strings.ToLower(err.Error())

	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.CORRUPT, sqlite3.NOTADB:
			return CategoryCorrupt
		case sqlite3.BUSY, sqlite3.LOCKED:
			return CategoryBusy
		case sqlite3.IOERR, sqlite3.CANTOPEN, sqlite3.PERM, sqlite3.READONLY:
			return CategoryIO
		case sqlite3.ERROR:
			if containsAny(msg, extensionSignatures) {
				return CategoryMissingExtension
			}
			if containsAny(msg, corruptSignatures) {
				return CategoryCorrupt
			}
			return CategoryLogic
		}
	}

	switch {
	case containsAny(msg, corruptSignatures):
		return CategoryCorrupt
	case containsAny(msg, extensionSignatures):
		return CategoryMissingExtension
	case strings.Contains(msg, "sql logic error"):
		return CategoryLogic
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return CategoryBusy
	}
	return CategoryUnknown
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
