package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/decrypt"
	"github.com/dbmirror/dbmirror/internal/engine"
	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/pipeline"
	"github.com/dbmirror/dbmirror/internal/scan"
)

// fakeEngine records Update calls. When block is set, Update waits for it
// to be closed or for ctx to end.
type fakeEngine struct {
	mu      sync.Mutex
	dir     string
	calls   []time.Time
	block   chan struct{}
	entered chan struct{}
	stale   int
	dirErr  error
}

func (f *fakeEngine) Update(ctx context.Context, verbose bool) engine.CycleResult {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	block := f.block
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return engine.CycleResult{Err: ctx.Err()}
		}
	}
	return engine.CycleResult{Success: true, Updated: true}
}

func (f *fakeEngine) Check(ctx context.Context) (*scan.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	report := &scan.Report{}
	for i := 0; i < f.stale; i++ {
		report.Files = append(report.Files, mirror.ChangeRecord{
			Source: mirror.SourceFile{Name: "a.db", ModTime: now},
			Mirror: mirror.MirrorFile{Exists: true, ModTime: now.Add(-time.Minute)},
		})
	}
	return report, nil
}

func (f *fakeEngine) SourceDir() (string, error) {
	return f.dir, f.dirErr
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

// waitNotifications collects n notifications or fails after timeout.
func waitNotifications(t *testing.T, ch <-chan Notification, n int, timeout time.Duration) []Notification {
	t.Helper()
	var got []Notification
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case note := <-ch:
			got = append(got, note)
		case <-deadline:
			t.Fatalf("got %d notifications, want %d", len(got), n)
		}
	}
	return got
}

func subscribe(c *Coordinator) <-chan Notification {
	ch := make(chan Notification, 32)
	c.Subscribe(func(n Notification) { ch <- n })
	return ch
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Debounce = 30 * time.Millisecond
	cfg.Settle = 30 * time.Millisecond
	cfg.MinInterval = 20 * time.Millisecond
	cfg.PollInterval = time.Hour
	cfg.Logger = zerolog.Nop()
	return cfg
}

func TestCoordinator_CoalescesRequests(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := New(eng, testConfig())
	notes := subscribe(c)

	c.RequestUpdate()
	select {
	case <-eng.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not start")
	}

	for i := 0; i < 5; i++ {
		c.RequestUpdate()
	}
	if st := c.Status(); !st.Running || st.Pending != 3 {
		t.Errorf("status while busy = %+v, want running with 3 pending", st)
	}

	eng.mu.Lock()
	close(eng.block)
	eng.block = nil
	eng.mu.Unlock()

	got := waitNotifications(t, notes, 2, 3*time.Second)
	if got[1].Trigger != TriggerFollowUp {
		t.Errorf("second cycle trigger = %s, want follow-up", got[1].Trigger)
	}

	time.Sleep(200 * time.Millisecond)
	c.Wait()
	if n := eng.callCount(); n != 2 {
		t.Errorf("Update called %d times, want 2", n)
	}
	if st := c.Status(); st.Running || st.Pending != 0 {
		t.Errorf("status after completion = %+v", st)
	}
}

func TestCoordinator_Throttle(t *testing.T) {
	eng := &fakeEngine{}
	cfg := testConfig()
	cfg.MinInterval = time.Second
	c := New(eng, cfg)
	notes := subscribe(c)

	first := time.Now()
	c.RequestUpdate()
	waitNotifications(t, notes, 1, 2*time.Second)

	time.Sleep(200 * time.Millisecond)
	second := time.Now()
	c.RequestUpdate()

	if n := eng.callCount(); n != 1 {
		t.Fatalf("throttled request ran immediately (%d calls)", n)
	}

	waitNotifications(t, notes, 1, 3*time.Second)
	calls := eng.callTimes()
	if len(calls) != 2 {
		t.Fatalf("Update called %d times, want 2", len(calls))
	}
	if d := calls[1].Sub(first); d < time.Second {
		t.Errorf("second cycle started %v after the first request, want >= 1s", d)
	}
	if d := calls[1].Sub(second); d < 750*time.Millisecond {
		t.Errorf("second cycle deferred only %v", d)
	}
}

func TestCoordinator_TimeoutReleasesFlight(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{})}
	cfg := testConfig()
	cfg.CycleTimeout = 50 * time.Millisecond
	c := New(eng, cfg)

	_, err := c.CheckAndUpdate(context.Background())
	if !errors.Is(err, mirror.ErrTimeout) {
		t.Fatalf("CheckAndUpdate() error = %v, want ErrTimeout", err)
	}
	if mirror.KindOf(err) != mirror.KindTimeout {
		t.Errorf("kind = %s", mirror.KindOf(err))
	}
	if c.Status().Running {
		t.Fatal("single-flight flag still set after timeout")
	}

	eng.mu.Lock()
	eng.block = nil
	eng.mu.Unlock()

	res, err := c.CheckAndUpdate(context.Background())
	if err != nil || !res.Updated {
		t.Errorf("CheckAndUpdate() after timeout = %+v, %v", res, err)
	}
}

func TestCoordinator_TimeoutLoggedAsRetryable(t *testing.T) {
	var out syncBuffer
	cfg := testConfig()
	cfg.CycleTimeout = 30 * time.Millisecond
	cfg.Logger = zerolog.New(&out)
	c := New(&fakeEngine{block: make(chan struct{})}, cfg)

	if _, err := c.CheckAndUpdate(context.Background()); !errors.Is(err, mirror.ErrTimeout) {
		t.Fatalf("CheckAndUpdate() error = %v", err)
	}
	log := out.String()
	if !strings.Contains(log, `"level":"warn"`) || !strings.Contains(log, `"retryable":true`) {
		t.Errorf("log = %s", log)
	}
}

func TestCoordinator_CheckAndUpdateBusy(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := New(eng, testConfig())

	c.RequestUpdate()
	<-eng.entered

	if _, err := c.CheckAndUpdate(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("CheckAndUpdate() error = %v, want ErrBusy", err)
	}

	eng.mu.Lock()
	close(eng.block)
	eng.block = nil
	eng.mu.Unlock()
	c.Wait()
}

func TestCoordinator_EnableGated(t *testing.T) {
	cfg := testConfig()
	cfg.AutoUpdate = false
	c := New(&fakeEngine{dir: t.TempDir()}, cfg)

	if err := c.Enable(context.Background()); !errors.Is(err, mirror.ErrDisabled) {
		t.Fatalf("Enable() error = %v, want ErrDisabled", err)
	}
	if c.Enabled() {
		t.Error("coordinator should stay disabled")
	}
}

func TestCoordinator_EnableConfigError(t *testing.T) {
	c := New(&fakeEngine{dirErr: mirror.ErrRootNotConfigured}, testConfig())
	if err := c.Enable(context.Background()); !errors.Is(err, mirror.ErrRootNotConfigured) {
		t.Fatalf("Enable() error = %v", err)
	}
}

func TestCoordinator_DebouncesFileEvents(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{dir: dir}
	cfg := testConfig()
	cfg.Debounce = 100 * time.Millisecond
	c := New(eng, cfg)
	notes := subscribe(c)

	if err := c.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	defer c.Disable()

	if !c.Status().Watching {
		t.Fatal("expected an active file watch")
	}

	path := filepath.Join(dir, "message_0.db")
	for i := 0; i < 10; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Non-database files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got := waitNotifications(t, notes, 1, 3*time.Second)
	if got[0].Trigger != TriggerWatch {
		t.Errorf("trigger = %s, want watch", got[0].Trigger)
	}

	time.Sleep(300 * time.Millisecond)
	if n := eng.callCount(); n != 1 {
		t.Errorf("Update called %d times for one burst, want 1", n)
	}
}

func TestCoordinator_WatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{dir: dir}
	c := New(eng, testConfig())
	notes := subscribe(c)

	if err := c.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	defer c.Disable()

	sub := filepath.Join(dir, "message")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "biz_message_0.db"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	waitNotifications(t, notes, 1, 3*time.Second)
}

func TestCoordinator_PollDetectsChanges(t *testing.T) {
	eng := &fakeEngine{dir: t.TempDir(), stale: 2}
	cfg := testConfig()
	cfg.PollInterval = 30 * time.Millisecond
	c := New(eng, cfg)
	notes := subscribe(c)

	if err := c.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	defer c.Disable()

	got := waitNotifications(t, notes, 2, 3*time.Second)
	if got[0].Trigger != TriggerPoll || got[0].Stale != 2 {
		t.Errorf("first notification = %+v, want poll with 2 stale", got[0])
	}
	if eng.callCount() == 0 {
		t.Error("poll should have requested an update")
	}
}

func TestCoordinator_DisableStopsLoops(t *testing.T) {
	c := New(&fakeEngine{dir: t.TempDir()}, testConfig())
	if err := c.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Disable()
	c.Disable()

	if c.Enabled() || c.Status().Watching {
		t.Errorf("status after Disable = %+v", c.Status())
	}
}

func TestCoordinator_ServeStopsOnCancel(t *testing.T) {
	c := New(&fakeEngine{dir: t.TempDir()}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Enabled() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestCoordinator_ServeWaitsForFileInProgress(t *testing.T) {
	root := t.TempDir()
	storage := filepath.Join(root, "wxid_abc123_9f2k", "db_storage")
	layout := mirror.Layout{Root: t.TempDir(), Account: "wxid_abc123"}
	for _, dir := range []string{storage, layout.Dir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	dst := layout.Path("message_0.db")
	if err := os.WriteFile(filepath.Join(storage, "message_0.db"), []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(dst, past, past); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	var once sync.Once
	slow := decrypt.Func(func(ctx context.Context, src, dst, key string, onProgress decrypt.ProgressFunc) error {
		once.Do(func() { close(entered) })
		time.Sleep(800 * time.Millisecond)
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0644)
	})

	p, err := pipeline.New(pipeline.Config{
		Decrypter:          slow,
		Key:                "k",
		SkipIntegrityCheck: true,
		SettleDelay:        time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	sc := scan.New(scan.Config{Root: root, Account: "wxid_abc123_9f2k", MirrorRoot: layout.Root, Logger: zerolog.Nop()})
	eng, err := engine.New(engine.Config{Scanner: sc, Pipeline: p, Key: "k", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	c := New(eng, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Enabled() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.RequestUpdate()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("decrypt never started")
	}
	cancel()

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("mirror missing after shutdown: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("mirror = %q, want the decrypted copy", data)
	}
	backups, _ := filepath.Glob(dst + mirror.BackupTag + "*")
	if len(backups) != 0 {
		t.Errorf("backups left behind: %v", backups)
	}
}

func TestCoordinator_DrainGivesUpAfterCycleTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	eng := &stuckEngine{release: release}
	cfg := testConfig()
	cfg.CycleTimeout = 50 * time.Millisecond
	c := New(eng, cfg)

	_, err := c.CheckAndUpdate(context.Background())
	if !errors.Is(err, mirror.ErrTimeout) {
		t.Fatalf("CheckAndUpdate() error = %v, want ErrTimeout", err)
	}

	start := time.Now()
	if c.drain() {
		t.Error("drain() = true while Update is still running")
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("drain took %v", took)
	}
}

// stuckEngine ignores cancellation until release is closed.
type stuckEngine struct {
	fakeEngine
	release chan struct{}
}

func (s *stuckEngine) Update(ctx context.Context, verbose bool) engine.CycleResult {
	<-s.release
	return engine.CycleResult{Success: true}
}
