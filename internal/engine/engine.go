// Package engine runs the check-then-update cycle: scan the source
// directory, pick the files that need work and hand them to the pipeline.
//
// All results are returned as CycleResult values so callers can render
// failures without handling panics.
package engine

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/pipeline"
	"github.com/dbmirror/dbmirror/internal/progress"
	"github.com/dbmirror/dbmirror/internal/scan"
)

// Config holds engine dependencies.
type Config struct {
	Scanner  *scan.Scanner
	Pipeline *pipeline.Pipeline

	// Registry receives progress events of verbose runs. Optional.
	Registry *progress.Registry

	// Key is the decryption key. An empty key fails every cycle before any
	// file is touched.
	Key string

	Logger zerolog.Logger
}

// CycleResult is the outcome of Update or DecryptAll.
type CycleResult struct {
	// Success is false when the cycle aborted.
	Success bool

	// Updated is true when at least one mirror was committed.
	Updated bool

	// Checked is the number of files selected for processing.
	Checked int

	Batch pipeline.BatchResult
	Err   error
}

// Engine ties the scanner to the pipeline.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Scanner == nil || cfg.Pipeline == nil {
		return nil, errors.New("engine requires a scanner and a pipeline")
	}
	if cfg.Registry == nil {
		cfg.Registry = progress.NewRegistry()
	}
	return &Engine{cfg: cfg, logger: cfg.Logger}, nil
}

// Registry returns the progress registry.
func (e *Engine) Registry() *progress.Registry {
	return e.cfg.Registry
}

// SourceDir returns the resolved source storage directory.
func (e *Engine) SourceDir() (string, error) {
	return e.cfg.Scanner.SourceDir()
}

// Layout returns the mirror layout of the configured account.
func (e *Engine) Layout() mirror.Layout {
	return e.cfg.Scanner.Layout()
}

// Check scans without modifying anything.
func (e *Engine) Check(ctx context.Context) (*scan.Report, error) {
	return e.cfg.Scanner.Scan(ctx)
}

// Update processes every file whose mirror is stale.
func (e *Engine) Update(ctx context.Context, verbose bool) CycleResult {
	return e.run(ctx, verbose, progress.EventUpdate, (*scan.Report).NeedsUpdate)
}

// DecryptAll processes every file that has never been decrypted.
func (e *Engine) DecryptAll(ctx context.Context, verbose bool) CycleResult {
	return e.run(ctx, verbose, progress.EventDecrypt, (*scan.Report).Pending)
}

// Recover restores or removes backups left over from an interrupted run.
func (e *Engine) Recover() (pipeline.RecoverResult, error) {
	return e.cfg.Pipeline.RecoverArtifacts(e.cfg.Scanner.Layout())
}

func (e *Engine) run(ctx context.Context, verbose bool, evType progress.EventType, pick func(*scan.Report) []mirror.ChangeRecord) CycleResult {
	sink := progress.Sink{Registry: e.cfg.Registry, Verbose: verbose}

	fail := func(err error) CycleResult {
		e.logger.Error().Err(err).Str("op", string(evType)).Msg("Cycle failed")
		sink.Error(err)
		return CycleResult{Err: err}
	}

	if e.cfg.Key == "" {
		return fail(mirror.Errorf(mirror.KindConfigurationMissing, string(evType), "", mirror.ErrKeyNotConfigured))
	}

	sink.Progress(progress.EventScan, 0, 0, "", 0)
	report, err := e.cfg.Scanner.Scan(ctx)
	if err != nil {
		return fail(err)
	}

	selected := pick(report)
	res := CycleResult{Success: true, Checked: len(selected)}
	if len(selected) == 0 {
		e.logger.Debug().Int("scanned", len(report.Files)).Str("op", string(evType)).Msg("Nothing to do")
		sink.Complete()
		return res
	}

	e.logger.Info().Int("files", len(selected)).Str("op", string(evType)).Msg("Processing files")
	res.Batch = e.cfg.Pipeline.RunBatch(ctx, scan.Sources(selected), pipeline.Options{
		Layout:    report.Layout,
		EventType: evType,
		Sink:      sink,
	})
	res.Updated = res.Batch.SuccessCount > 0

	if res.Batch.Err != nil {
		res.Success = false
		res.Err = res.Batch.Err
		sink.Error(res.Err)
		return res
	}
	sink.Complete()
	return res
}
