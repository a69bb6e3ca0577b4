package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/config"
	"github.com/dbmirror/dbmirror/internal/engine"
	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/pipeline"
	"github.com/dbmirror/dbmirror/internal/state"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	storage := filepath.Join(root, "wxid_abc_1234", "db_storage")
	if err := os.MkdirAll(storage, 0755); err != nil {
		t.Fatal(err)
	}
	return config.Config{
		Source: config.SourceConfig{
			Root:          root,
			Account:       "wxid_abc",
			Tag:           "wxid_",
			StorageSubdir: "db_storage",
			Extension:     ".db",
		},
		MirrorRoot:  t.TempDir(),
		Decrypt:     config.DecryptConfig{Command: "/bin/false", Key: "00ff"},
		Recoverable: []string{"missing_extension", "logic"},
		Watch: config.WatchConfig{
			Debounce: time.Millisecond, Settle: time.Millisecond, MinInterval: time.Millisecond,
			MaxPending: 3, PollInterval: time.Second, CycleTimeout: time.Second,
		},
		Dashboard: config.DashboardConfig{Port: 8765},
		StatePath: filepath.Join(t.TempDir(), "state.yaml"),
	}
}

func TestNewApp_Wiring(t *testing.T) {
	c := testConfig(t)
	a, err := newApp(c, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	dir, err := a.engine.SourceDir()
	if err != nil {
		t.Fatalf("SourceDir() error = %v", err)
	}
	if filepath.Base(dir) != "db_storage" {
		t.Errorf("SourceDir() = %s", dir)
	}
	if a.scanner.Layout().Account != "wxid_abc" {
		t.Errorf("layout account = %s", a.scanner.Layout().Account)
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Watch.MaxPending = 0
	if _, err := newApp(c, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "max_pending") {
		t.Fatalf("newApp() error = %v", err)
	}
}

func TestNewApp_SweepsBackups(t *testing.T) {
	c := testConfig(t)
	dir := filepath.Join(c.MirrorRoot, "wxid_abc")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	backup := mirror.BackupPath(filepath.Join(dir, "message_0.db"), time.Now())
	if err := os.WriteFile(backup, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	a, err := newApp(c, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := os.Stat(filepath.Join(dir, "message_0.db")); err != nil {
		t.Errorf("backup was not restored: %v", err)
	}
}

func TestRecordCycle(t *testing.T) {
	c := testConfig(t)
	a, err := newApp(c, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.recordCycle(engine.CycleResult{Success: true, Updated: true, Checked: 2,
		Batch: pipeline.BatchResult{SuccessCount: 2}})
	a.recordCycle(engine.CycleResult{Checked: 1,
		Batch: pipeline.BatchResult{FailCount: 1}, Err: errors.New("boom")})

	s, err := state.Load(c.StatePath)
	if err != nil {
		t.Fatal(err)
	}
	if s.LastSuccess.IsZero() {
		t.Error("LastSuccess should survive a failed cycle")
	}
	if s.LastBatch.Failed != 1 || s.LastError != "boom" {
		t.Errorf("state = %+v", s)
	}
}

func TestUpdate_BoundedByCycleTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as decrypter")
	}
	c := testConfig(t)
	script := filepath.Join(t.TempDir(), "slow.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 1\ncp \"$1\" \"$2\"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	c.Decrypt = config.DecryptConfig{Command: script, Args: []string{"{src}", "{dst}"}, Key: "00ff"}
	c.SkipIntegrityCheck = true
	c.Watch.CycleTimeout = 200 * time.Millisecond

	storage := filepath.Join(c.Source.Root, "wxid_abc_1234", "db_storage")
	if err := os.WriteFile(filepath.Join(storage, "message_0.db"), []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(c.MirrorRoot, "wxid_abc", "message_0.db")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(dst, past, past); err != nil {
		t.Fatal(err)
	}

	a, err := newApp(c, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	start := time.Now()
	res := a.update(context.Background(), false)
	if !errors.Is(res.Err, mirror.ErrTimeout) {
		t.Fatalf("update() error = %v, want ErrTimeout", res.Err)
	}
	if mirror.KindOf(res.Err) != mirror.KindTimeout {
		t.Errorf("kind = %s", mirror.KindOf(res.Err))
	}
	if took := time.Since(start); took > 900*time.Millisecond {
		t.Errorf("update() took %v, want it bounded by the cycle timeout", took)
	}

	// The released update still commits the file it had started.
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(dst)
		backups, _ := filepath.Glob(dst + mirror.BackupTag + "*")
		if err == nil && string(data) == "new" && len(backups) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror = %q, %v; want the decrypted copy", data, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStatusFiles(t *testing.T) {
	c := testConfig(t)
	storage := filepath.Join(c.Source.Root, "wxid_abc_1234", "db_storage")
	for _, name := range []string{"contact.db", "message_0.db"} {
		if err := os.WriteFile(filepath.Join(storage, name), []byte("ciphertext"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	dir := filepath.Join(c.MirrorRoot, "wxid_abc")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(dir, "contact.db"))
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{`CREATE TABLE contact (id INTEGER)`, `INSERT INTO contact VALUES (1), (2)`} {
		if _, err := db.Exec(q); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	a, err := newApp(c, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	report, err := a.engine.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]statusFile{}
	for _, f := range a.statusFiles(context.Background(), report, true) {
		got[f.Name] = f
	}

	if f := got["message_0.db"]; f.State != "pending" || f.Tables != nil {
		t.Errorf("message_0.db = %+v, want pending without tables", f)
	}
	f := got["contact.db"]
	if f.State != "current" {
		t.Errorf("contact.db state = %s", f.State)
	}
	if len(f.Tables) != 1 || f.Tables[0].Name != "contact" || f.Tables[0].Rows != 2 {
		t.Errorf("contact.db tables = %+v", f.Tables)
	}
}
