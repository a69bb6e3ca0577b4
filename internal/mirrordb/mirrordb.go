// Package mirrordb gives readers access to decrypted mirror databases.
//
// Readers open mirrors through a Pool, which keeps one read-only
// connection per file. The sync pipeline asks the pool to release a file
// before replacing it, and to forget cached "is this file decrypted"
// answers after a batch.
package mirrordb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/verify"
)

// Pool caches read-only connections to mirror files of one account.
type Pool struct {
	layout mirror.Layout
	logger zerolog.Logger

	mu        sync.Mutex
	conns     map[string]*sql.DB
	decrypted map[string]bool
}

// NewPool creates a pool for the given mirror layout.
func NewPool(layout mirror.Layout, logger zerolog.Logger) *Pool {
	return &Pool{
		layout:    layout,
		logger:    logger,
		conns:     make(map[string]*sql.DB),
		decrypted: make(map[string]bool),
	}
}

// Open returns the shared read-only connection for a mirror file.
func (p *Pool) Open(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[name]; ok {
		return conn, nil
	}

	path := p.layout.Path(name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("mirror %s not available: %w", name, err)
	}

	conn, err := sql.Open("sqlite3", verify.ReadOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror %s: %w", name, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping mirror %s: %w", name, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	p.conns[name] = conn
	return conn, nil
}

// ReleaseLock closes the connection held for a mirror file, if any.
func (p *Pool) ReleaseLock(name string) {
	p.mu.Lock()
	conn, ok := p.conns[name]
	delete(p.conns, name)
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Warn().Err(err).Str("file", name).Msg("Failed to close mirror connection")
		return
	}
	p.logger.Debug().Str("file", name).Msg("Released mirror connection")
}

// InvalidateCache drops cached decryption state.
func (p *Pool) InvalidateCache() {
	p.mu.Lock()
	p.decrypted = make(map[string]bool)
	p.mu.Unlock()
}

// IsDecrypted reports whether a mirror exists for name. Answers are cached
// until InvalidateCache is called.
func (p *Pool) IsDecrypted(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.decrypted[name]; ok {
		return v
	}
	v := p.layout.Stat(name).Exists
	p.decrypted[name] = v
	return v
}

// Table describes one table of a mirror database.
type Table struct {
	Name string
	Rows int64
}

// Tables lists the tables of a mirror file with their row counts.
func (p *Pool) Tables(ctx context.Context, name string) ([]Table, error) {
	conn, err := p.Open(name)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)

	tables := make([]Table, 0, len(names))
	for _, n := range names {
		t := Table{Name: n, Rows: -1}
		// Virtual tables may need modules that are not loaded; keep going.
		if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, strings.ReplaceAll(n, `"`, `""`))).Scan(&t.Rows); err != nil {
			p.logger.Debug().Err(err).Str("file", name).Str("table", n).Msg("Cannot count rows")
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*sql.DB)
	p.mu.Unlock()

	var firstErr error
	for name, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close mirror %s: %w", name, err)
		}
	}
	return firstErr
}
