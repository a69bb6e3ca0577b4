package mirrordb

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/mirror"
)

func setupLayout(t *testing.T) mirror.Layout {
	t.Helper()

	l := mirror.Layout{Root: t.TempDir(), Account: "wxid_test"}
	if err := os.MkdirAll(l.Dir(), 0755); err != nil {
		t.Fatalf("failed to create mirror dir: %v", err)
	}

	db, err := sql.Open("sqlite3", "file:"+l.Path("contact.db"))
	if err != nil {
		t.Fatalf("failed to open fixture: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE contact (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE "odd""name" (x INTEGER)`,
		`INSERT INTO contact (name) VALUES ('a'), ('b'), ('c')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("fixture %q: %v", s, err)
		}
	}
	return l
}

func TestPool_OpenAndRelease(t *testing.T) {
	l := setupLayout(t)
	p := NewPool(l, zerolog.Nop())
	defer p.Close()

	first, err := p.Open("contact.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := p.Open("contact.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if first != second {
		t.Error("expected pooled connection to be reused")
	}

	p.ReleaseLock("contact.db")
	if err := first.Ping(); err == nil {
		t.Error("expected released connection to be closed")
	}

	// Releasing an unknown file is a no-op.
	p.ReleaseLock("unknown.db")

	third, err := p.Open("contact.db")
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if third == first {
		t.Error("expected a fresh connection after release")
	}
}

func TestPool_OpenMissing(t *testing.T) {
	p := NewPool(mirror.Layout{Root: t.TempDir(), Account: "x"}, zerolog.Nop())
	if _, err := p.Open("absent.db"); err == nil {
		t.Error("expected error for missing mirror")
	}
}

func TestPool_IsDecryptedCache(t *testing.T) {
	l := setupLayout(t)
	p := NewPool(l, zerolog.Nop())

	if p.IsDecrypted("new.db") {
		t.Fatal("new.db should not be decrypted yet")
	}
	if err := os.WriteFile(l.Path("new.db"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if p.IsDecrypted("new.db") {
		t.Error("cached answer should be returned until invalidated")
	}
	p.InvalidateCache()
	if !p.IsDecrypted("new.db") {
		t.Error("expected fresh answer after InvalidateCache")
	}
}

func TestPool_Tables(t *testing.T) {
	l := setupLayout(t)
	p := NewPool(l, zerolog.Nop())
	defer p.Close()

	tables, err := p.Tables(context.Background(), "contact.db")
	if err != nil {
		t.Fatalf("Tables() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %+v", tables)
	}

	counts := map[string]int64{}
	for _, tb := range tables {
		counts[tb.Name] = tb.Rows
	}
	if counts["contact"] != 3 {
		t.Errorf("contact rows = %d, want 3", counts["contact"])
	}
	if counts[`odd"name`] != 0 {
		t.Errorf(`odd"name rows = %d, want 0`, counts[`odd"name`])
	}
}
