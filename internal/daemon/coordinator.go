package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/dbmirror/dbmirror/internal/engine"
	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/scan"
)

// ErrBusy is returned by CheckAndUpdate when a cycle is already running.
var ErrBusy = errors.New("update already in progress")

// Engine is the part of engine.Engine the coordinator drives.
type Engine interface {
	Update(ctx context.Context, verbose bool) engine.CycleResult
	Check(ctx context.Context) (*scan.Report, error)
	SourceDir() (string, error)
}

// Config holds coordinator configuration.
type Config struct {
	// AutoUpdate gates Enable.
	AutoUpdate bool

	// Debounce is the quiet period after the last file event.
	Debounce time.Duration

	// Settle is waited after the debounce fires so the writer can finish.
	Settle time.Duration

	// MinInterval is the minimum time between the starts of two
	// successful cycles.
	MinInterval time.Duration

	// MaxPending caps the requests counted while a cycle is running.
	MaxPending int

	// PollInterval is how often the fallback poller checks for changes.
	PollInterval time.Duration

	// CycleTimeout bounds one check-then-update cycle.
	CycleTimeout time.Duration

	// Extension selects the files whose events matter.
	Extension string

	// Verbose enables progress events for cycles.
	Verbose bool

	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoUpdate:   true,
		Debounce:     300 * time.Millisecond,
		Settle:       time.Second,
		MinInterval:  time.Second,
		MaxPending:   3,
		PollInterval: 30 * time.Second,
		CycleTimeout: 30 * time.Second,
		Extension:    scan.DefaultExtension,
		Logger:       zerolog.Nop(),
	}
}

// Trigger names what started a cycle or notification.
type Trigger string

const (
	TriggerWatch    Trigger = "watch"
	TriggerPoll     Trigger = "poll"
	TriggerRequest  Trigger = "request"
	TriggerFollowUp Trigger = "follow-up"
	TriggerExternal Trigger = "external"
)

// Notification is delivered to subscribers after every cycle and whenever
// the poller finds stale mirrors.
type Notification struct {
	Trigger Trigger

	// Updated is true when the cycle committed at least one mirror.
	Updated bool

	// Stale is the number of stale mirrors found by the poller.
	Stale int

	Result engine.CycleResult
	Err    error
}

// Status is a snapshot of the coordinator state.
type Status struct {
	Enabled     bool      `json:"enabled"`
	Watching    bool      `json:"watching"`
	Running     bool      `json:"running"`
	Pending     int       `json:"pending"`
	LastSuccess time.Time `json:"lastSuccess"`
}

// Coordinator owns the single-flight state of update cycles.
type Coordinator struct {
	cfg    Config
	eng    Engine
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	enabled     bool
	running     bool
	pending     int
	lastSuccess time.Time
	deferred    *time.Timer
	debounce    *time.Timer
	settle      *time.Timer
	watcher     *FileWatcher
	baseCtx     context.Context
	cancel      context.CancelFunc

	listenersMu sync.RWMutex
	listeners   map[int]func(Notification)
	nextID      int

	// inflight counts Update calls, including those a timed-out cycle
	// left running. idle is closed when it drops to zero.
	inflight int
	idle     chan struct{}

	drops  rate.Sometimes
	loops  sync.WaitGroup
	cycles sync.WaitGroup
}

// New creates a Coordinator. Zero-valued durations get their defaults.
func New(eng Engine, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.Debounce == 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Settle == 0 {
		cfg.Settle = def.Settle
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.Extension == "" {
		cfg.Extension = def.Extension
	}

	return &Coordinator{
		cfg:       cfg,
		eng:       eng,
		logger:    cfg.Logger,
		now:       time.Now,
		baseCtx:   context.Background(),
		listeners: make(map[int]func(Notification)),
		drops:     rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Subscribe registers fn for notifications and returns a function that
// removes it.
func (c *Coordinator) Subscribe(fn func(Notification)) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

func (c *Coordinator) notify(n Notification) {
	c.listenersMu.RLock()
	fns := make([]func(Notification), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Enabled reports whether watching and polling are active.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Enabled:     c.enabled,
		Watching:    c.watcher != nil,
		Running:     c.running,
		Pending:     c.pending,
		LastSuccess: c.lastSuccess,
	}
}

// Enable starts watching the source directory and the fallback poller.
// When the watch cannot be placed the coordinator keeps running on the
// poller alone.
func (c *Coordinator) Enable(ctx context.Context) error {
	if !c.cfg.AutoUpdate {
		return mirror.ErrDisabled
	}

	dir, err := c.eng.SourceDir()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.baseCtx = runCtx
	c.cancel = cancel
	c.enabled = true

	fw, err := NewFileWatcher(c.cfg.Extension, c.logger)
	if err == nil {
		if err = fw.Start(dir); err != nil {
			_ = fw.Stop()
		}
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("dir", dir).Msg("File watch unavailable, relying on polling")
	} else {
		c.watcher = fw
		c.loops.Add(1)
		go c.watchLoop(runCtx, fw)
	}

	c.loops.Add(1)
	go c.pollLoop(runCtx)

	c.logger.Info().Str("dir", dir).Bool("watching", c.watcher != nil).Dur("poll", c.cfg.PollInterval).Msg("Auto update enabled")
	return nil
}

// Disable stops watching and polling. A running update is cancelled at the
// next file boundary; Disable waits for it at most the cycle timeout so the
// file in progress is committed or rolled back before it returns.
func (c *Coordinator) Disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	for _, t := range []*time.Timer{c.debounce, c.settle, c.deferred} {
		if t != nil {
			t.Stop()
		}
	}
	c.debounce, c.settle, c.deferred = nil, nil, nil
	fw := c.watcher
	c.watcher = nil
	cancel := c.cancel
	c.baseCtx = context.Background()
	c.mu.Unlock()

	cancel()
	if fw != nil {
		if err := fw.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("Error stopping watcher")
		}
	}
	c.loops.Wait()
	c.drain()

	c.logger.Info().Msg("Auto update disabled")
}

// Wait blocks until no cycle started by RequestUpdate is running. Updates
// released by a cycle timeout are then given at most another cycle timeout
// to reach a file boundary.
func (c *Coordinator) Wait() {
	c.cycles.Wait()
	c.drain()
}

// drain waits for Update calls that are still finishing their current
// file, at most the cycle timeout. It reports whether all of them returned.
func (c *Coordinator) drain() bool {
	c.mu.Lock()
	if c.inflight == 0 {
		c.mu.Unlock()
		return true
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	idle := c.idle
	n := c.inflight
	c.mu.Unlock()

	t := time.NewTimer(c.cfg.CycleTimeout)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-t.C:
		c.logger.Warn().Int("updates", n).Dur("waited", c.cfg.CycleTimeout).Msg("Update still running at shutdown")
		return false
	}
}

func (c *Coordinator) updateStarted() {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()
}

func (c *Coordinator) updateDone() {
	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
	c.mu.Unlock()
}

// Serve implements suture.Service.
func (c *Coordinator) Serve(ctx context.Context) error {
	if err := c.Enable(ctx); err != nil {
		if mirror.IsFatal(err) || errors.Is(err, mirror.ErrDisabled) {
			return fmt.Errorf("coordinator: %w: %w", err, suture.ErrDoNotRestart)
		}
		return err
	}

	<-ctx.Done()
	c.Disable()
	c.Wait()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (c *Coordinator) String() string {
	return "coordinator"
}

// RequestUpdate asks for a check-then-update cycle. It never blocks: a
// running cycle absorbs the request into one follow-up, and a request
// inside the minimum interval is deferred rather than dropped.
func (c *Coordinator) RequestUpdate() {
	c.request(TriggerRequest)
}

func (c *Coordinator) request(trigger Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		if c.pending < c.cfg.MaxPending {
			c.pending++
			return
		}
		c.drops.Do(func() {
			c.logger.Warn().Int("pending", c.pending).Msg("Update backlog full, dropping request")
		})
		return
	}

	if !c.lastSuccess.IsZero() {
		if wait := c.cfg.MinInterval - c.now().Sub(c.lastSuccess); wait > 0 {
			if c.deferred == nil {
				c.logger.Debug().Dur("wait", wait).Msg("Update throttled")
				c.deferred = time.AfterFunc(wait, func() {
					c.mu.Lock()
					c.deferred = nil
					c.mu.Unlock()
					c.request(trigger)
				})
			}
			return
		}
	}

	c.running = true
	ctx := c.baseCtx
	c.cycles.Add(1)
	go func() {
		defer c.cycles.Done()
		c.finish(trigger, c.cycle(ctx))
	}()
}

// CheckAndUpdate runs one cycle synchronously, bounded by the cycle
// timeout. It returns ErrBusy when a cycle is already running.
func (c *Coordinator) CheckAndUpdate(ctx context.Context) (engine.CycleResult, error) {
	c.mu.Lock()
	if c.running {
		if c.pending < c.cfg.MaxPending {
			c.pending++
		}
		c.mu.Unlock()
		return engine.CycleResult{Err: ErrBusy}, ErrBusy
	}
	c.running = true
	c.mu.Unlock()

	res := c.cycle(ctx)
	c.finish(TriggerExternal, res)
	return res.CycleResult, res.Err
}

type cycleResult struct {
	engine.CycleResult
	started time.Time
}

// cycle runs Update under the timeout. On timeout the update keeps running
// in the background until it reaches a file boundary, but the caller is
// released.
func (c *Coordinator) cycle(ctx context.Context) cycleResult {
	started := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CycleTimeout)
	defer cancel()

	done := make(chan engine.CycleResult, 1)
	c.updateStarted()
	go func() {
		defer c.updateDone()
		done <- c.eng.Update(ctx, c.cfg.Verbose)
	}()

	select {
	case res := <-done:
		return cycleResult{CycleResult: res, started: started}
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = mirror.Errorf(mirror.KindTimeout, "update", "", mirror.ErrTimeout)
		}
		return cycleResult{CycleResult: engine.CycleResult{Err: err}, started: started}
	}
}

// finish releases the single-flight state, notifies listeners and issues
// one follow-up request if any arrived during the cycle.
func (c *Coordinator) finish(trigger Trigger, res cycleResult) {
	c.mu.Lock()
	c.running = false
	followUp := c.pending > 0
	c.pending = 0
	if res.Success {
		c.lastSuccess = res.started
	}
	c.mu.Unlock()

	ev := c.logger.Info()
	switch {
	case res.Err == nil:
	case mirror.IsRetryable(res.Err):
		ev = c.logger.Warn().Err(res.Err).Bool("retryable", true)
	default:
		ev = c.logger.Error().Err(res.Err)
	}
	ev.Str("trigger", string(trigger)).
		Bool("updated", res.Updated).
		Int("success", res.Batch.SuccessCount).
		Int("failed", res.Batch.FailCount).
		Msg("Update cycle finished")

	c.notify(Notification{Trigger: trigger, Updated: res.Updated, Result: res.CycleResult, Err: res.Err})

	if followUp {
		c.request(TriggerFollowUp)
	}
}

// touch restarts the debounce timer. When it fires the settle delay is
// waited before requesting an update.
func (c *Coordinator) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.cfg.Debounce, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.enabled {
			return
		}
		c.settle = time.AfterFunc(c.cfg.Settle, func() {
			if c.Enabled() {
				c.request(TriggerWatch)
			}
		})
	})
}

func (c *Coordinator) watchLoop(ctx context.Context, fw *FileWatcher) {
	defer c.loops.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events():
			if !ok {
				return
			}
			c.logger.Debug().Str("op", ev.Op.String()).Str("path", ev.Path).Msg("File event")
			c.touch()

		case err, ok := <-fw.Errors():
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// pollLoop only detects changes; the update itself goes through request.
func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.loops.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			report, err := c.eng.Check(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Poll check failed")
				continue
			}
			stale := len(report.NeedsUpdate())
			if stale == 0 {
				continue
			}
			c.logger.Debug().Int("stale", stale).Msg("Poll found stale mirrors")
			c.notify(Notification{Trigger: TriggerPoll, Stale: stale})
			c.request(TriggerPoll)
		}
	}
}
