package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/config"
	"github.com/dbmirror/dbmirror/internal/daemon"
	"github.com/dbmirror/dbmirror/internal/decrypt"
	"github.com/dbmirror/dbmirror/internal/engine"
	"github.com/dbmirror/dbmirror/internal/logging"
	"github.com/dbmirror/dbmirror/internal/mirrordb"
	"github.com/dbmirror/dbmirror/internal/pipeline"
	"github.com/dbmirror/dbmirror/internal/progress"
	"github.com/dbmirror/dbmirror/internal/scan"
	"github.com/dbmirror/dbmirror/internal/state"
	"github.com/dbmirror/dbmirror/internal/ui"
	"github.com/dbmirror/dbmirror/internal/verify"
)

// app holds the components shared by the sync commands.
type app struct {
	cfg     config.Config
	scanner *scan.Scanner
	pool    *mirrordb.Pool
	engine  *engine.Engine
	logger  zerolog.Logger

	stateMu sync.Mutex
}

func newApp(cfg config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	policy, _ := cfg.Policy()

	scanner := scan.New(scan.Config{
		Root:          cfg.Source.Root,
		Account:       cfg.Source.Account,
		MirrorRoot:    cfg.MirrorRoot,
		Extension:     cfg.Source.Extension,
		StorageSubdir: cfg.Source.StorageSubdir,
		Tag:           cfg.Source.Tag,
		Logger:        logging.Component(logger, "scan"),
	})
	pool := mirrordb.NewPool(scanner.Layout(), logging.Component(logger, "mirrordb"))

	pcfg := pipeline.DefaultConfig()
	pcfg.Decrypter = &decrypt.Command{
		Path:    cfg.Decrypt.Command,
		Args:    cfg.Decrypt.Args,
		Timeout: cfg.Decrypt.Timeout,
		Logger:  logging.Component(logger, "decrypt"),
	}
	pcfg.Policy = policy
	pcfg.Locks = pool
	pcfg.Caches = []pipeline.CacheInvalidator{pool}
	pcfg.Key = cfg.Decrypt.Key
	pcfg.SkipIntegrityCheck = cfg.SkipIntegrityCheck
	pcfg.Logger = logging.Component(logger, "pipeline")

	p, err := pipeline.New(pcfg)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Scanner:  scanner,
		Pipeline: p,
		Key:      cfg.Decrypt.Key,
		Logger:   logging.Component(logger, "engine"),
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, scanner: scanner, pool: pool, engine: eng, logger: logger}

	res, err := eng.Recover()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to sweep leftover backups")
	} else if res.Restored+res.Removed > 0 {
		logger.Info().Int("restored", res.Restored).Int("removed", res.Removed).Msg("Swept leftover backups")
	}
	return a, nil
}

func mustApp() *app {
	a, err := newApp(cfg, logger)
	if err != nil {
		fatal("%v", err)
	}
	return a
}

func (a *app) Close() {
	if err := a.pool.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to close mirror connections")
	}
}

// recordCycle stores the outcome of a cycle in the state file.
func (a *app) recordCycle(res engine.CycleResult) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	s, err := state.Load(a.cfg.StatePath)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Discarding unreadable state")
		s = state.State{}
	}
	s.Record(res.Batch, res.Err, time.Now())
	if err := state.Save(a.cfg.StatePath, s); err != nil {
		a.logger.Warn().Err(err).Str("path", a.cfg.StatePath).Msg("Failed to save state")
	}
}

// update runs one check-then-update cycle under the configured cycle
// timeout. When the timeout fires, the file in progress is still carried to
// a terminal state before update returns, within one more cycle timeout.
func (a *app) update(ctx context.Context, verbose bool) engine.CycleResult {
	coord := daemon.New(a.engine, daemon.Config{
		AutoUpdate:   a.cfg.AutoUpdateDatabase,
		CycleTimeout: a.cfg.Watch.CycleTimeout,
		Extension:    a.cfg.Source.Extension,
		Verbose:      verbose,
		Logger:       logging.Component(a.logger, "coordinator"),
	})
	res, err := coord.CheckAndUpdate(ctx)
	coord.Wait()
	res.Err = err
	return res
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// attachBar shows a progress bar for the files of a verbose cycle. The
// returned func removes the subscription and finishes the bar.
func attachBar(reg *progress.Registry) func() {
	if !ui.IsTerminal() {
		return func() {}
	}

	var (
		mu  sync.Mutex
		bar *pb.ProgressBar
	)
	unsub := reg.Subscribe(func(ev progress.Event) {
		mu.Lock()
		defer mu.Unlock()

		switch ev.Type {
		case progress.EventDecrypt, progress.EventUpdate:
			if bar == nil && ev.Total > 0 {
				bar = pb.New(ev.Total)
				bar.SetTemplateString(`{{string . "file"}} {{counters . }} {{bar . }} {{percent . }}`)
				bar.Start()
			}
			if bar != nil {
				bar.Set("file", ev.FileName)
				bar.SetCurrent(int64(ev.Current - 1))
			}
		case progress.EventComplete:
			if bar != nil {
				bar.SetCurrent(bar.Total())
			}
		}
	})

	return func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if bar != nil {
			bar.Finish()
		}
	}
}

// printBatch prints the per-file summary of a cycle.
func printBatch(res engine.CycleResult) {
	for _, o := range res.Batch.Outcomes {
		switch {
		case o.State == pipeline.Committed && o.Decision != verify.Pass:
			msg := o.Decision.String()
			if o.Err != nil {
				msg += ": " + o.Err.Error()
			}
			fmt.Printf("   %s %s %s\n", ui.RenderWarn("⚠"), o.File.Name, ui.RenderMuted(msg))
		case o.State == pipeline.Committed:
			fmt.Printf("   %s %s %s\n", ui.RenderPass("✓"), o.File.Name, ui.RenderMuted(o.Duration.Round(time.Millisecond).String()))
		default:
			msg := o.State.String()
			if o.Err != nil {
				msg = o.Err.Error()
			}
			fmt.Printf("   %s %s %s\n", ui.RenderFail("✗"), o.File.Name, ui.RenderMuted(msg))
		}
	}

	b := res.Batch
	fmt.Printf("\n   Updated: %d  Failed: %d  Skipped: %d\n", b.SuccessCount, b.FailCount-b.Skipped, b.Skipped)
	if len(b.Flagged) > 0 {
		fmt.Printf("   %s Flagged for review: %v\n", ui.RenderWarn("⚠"), b.Flagged)
	}
}
