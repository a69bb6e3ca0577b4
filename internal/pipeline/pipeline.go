package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbmirror/dbmirror/internal/decrypt"
	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/progress"
	"github.com/dbmirror/dbmirror/internal/verify"
)

// LockReleaser asks the reader layer to close its handle on one mirror file.
type LockReleaser interface {
	ReleaseLock(name string)
}

// CacheInvalidator drops cached "is this file decrypted" answers.
type CacheInvalidator interface {
	InvalidateCache()
}

// Config holds pipeline configuration.
type Config struct {
	// Decrypter produces the plaintext mirror. Required.
	Decrypter decrypt.Decrypter

	// Verifier checks decrypted output. Default: verify.SQLite{}
	Verifier verify.Verifier

	// Policy maps verification errors to decisions.
	// Default: verify.DefaultPolicy()
	Policy verify.Policy

	// Locks is told to release a mirror before it is replaced. Optional.
	Locks LockReleaser

	// Caches are invalidated after a batch with at least one success.
	Caches []CacheInvalidator

	// Key is handed to the decrypter.
	Key string

	// SkipIntegrityCheck disables verification entirely.
	SkipIntegrityCheck bool

	// SettleDelay is waited after a lock release. Default: 100ms
	SettleDelay time.Duration

	// RetryAttempts bounds backup rename attempts. Default: 3
	RetryAttempts int

	// RetryBackoff is multiplied by the attempt number. Default: 500ms
	RetryBackoff time.Duration

	// DecryptYield is waited after each decrypt call. Default: 10ms.
	// Negative disables it.
	DecryptYield time.Duration

	// FileYield is waited between files. Default: 10ms. Negative disables it.
	FileYield time.Duration

	// Sleep, Now and Rename are replaceable in tests.
	Sleep  func(time.Duration)
	Now    func() time.Time
	Rename func(oldpath, newpath string) error

	Logger zerolog.Logger
}

// DefaultConfig returns the default pipeline configuration. Decrypter and
// Key still have to be set.
func DefaultConfig() Config {
	return Config{
		Verifier:      verify.SQLite{},
		Policy:        verify.DefaultPolicy(),
		SettleDelay:   100 * time.Millisecond,
		RetryAttempts: 3,
		RetryBackoff:  500 * time.Millisecond,
		DecryptYield:  10 * time.Millisecond,
		FileYield:     10 * time.Millisecond,
		Sleep:         time.Sleep,
		Now:           time.Now,
		Rename:        os.Rename,
		Logger:        zerolog.Nop(),
	}
}

// State is the position of a file in the pipeline.
type State int

const (
	Discovered State = iota
	LockReleaseRequested
	BackedUp
	Decrypting
	Verifying
	Committed
	RolledBack
	Skipped
	Failed
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case LockReleaseRequested:
		return "lock-release-requested"
	case BackedUp:
		return "backed-up"
	case Decrypting:
		return "decrypting"
	case Verifying:
		return "verifying"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one file. A committed file whose
// verification raised a non-structural error keeps that error in Err with
// kind mirror.KindSoftVerification.
type Outcome struct {
	File     mirror.SourceFile
	State    State
	Decision verify.Decision
	Err      error
	Duration time.Duration
}

// Succeeded reports whether the file ended committed.
func (o Outcome) Succeeded() bool {
	return o.State == Committed
}

// BatchResult summarizes a batch.
type BatchResult struct {
	SuccessCount int
	// FailCount includes skipped files.
	FailCount int
	Skipped   int

	// Flagged lists committed files whose verification error needs review.
	Flagged []string

	Outcomes []Outcome

	// Err is set when the batch stopped early because ctx was done.
	Err error
}

// Options are per-batch settings.
type Options struct {
	Layout mirror.Layout

	// EventType labels progress events. Default: progress.EventDecrypt
	EventType progress.EventType

	Sink progress.Sink
}

// Pipeline runs batches. It holds a mutex so at most one batch mutates the
// mirror tree at a time.
type Pipeline struct {
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex
}

// ErrNoDecrypter is returned by New when Config.Decrypter is nil.
var ErrNoDecrypter = errors.New("pipeline requires a decrypter")

// New creates a Pipeline. Zero-valued settings get their defaults.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Decrypter == nil {
		return nil, ErrNoDecrypter
	}
	def := DefaultConfig()
	if cfg.Verifier == nil {
		cfg.Verifier = def.Verifier
	}
	if cfg.Policy.Recoverable == nil {
		cfg.Policy = def.Policy
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.DecryptYield == 0 {
		cfg.DecryptYield = def.DecryptYield
	}
	if cfg.FileYield == 0 {
		cfg.FileYield = def.FileYield
	}
	if cfg.Sleep == nil {
		cfg.Sleep = def.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Rename == nil {
		cfg.Rename = def.Rename
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger}, nil
}

// RunBatch processes files sequentially in the given order. Per-file
// failures never stop the batch; ctx is only checked between files.
func (p *Pipeline) RunBatch(ctx context.Context, files []mirror.SourceFile, opts Options) BatchResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.EventType == "" {
		opts.EventType = progress.EventDecrypt
	}

	res := BatchResult{Outcomes: make([]Outcome, 0, len(files))}
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			res.Err = err
			p.logger.Warn().Err(err).Int("remaining", len(files)-i).Msg("Batch stopped early")
			break
		}

		opts.Sink.Progress(opts.EventType, i+1, len(files), f.Name, 0)

		// A file that started is always carried to a terminal state.
		out := p.processFile(context.WithoutCancel(ctx), f, i+1, len(files), opts)
		res.Outcomes = append(res.Outcomes, out)

		switch {
		case out.Succeeded():
			res.SuccessCount++
			if out.Decision == verify.Review {
				res.Flagged = append(res.Flagged, f.Name)
			}
		case out.State == Skipped:
			res.Skipped++
			res.FailCount++
		default:
			res.FailCount++
		}

		if i < len(files)-1 && p.cfg.FileYield > 0 {
			p.cfg.Sleep(p.cfg.FileYield)
		}
	}

	if res.SuccessCount > 0 {
		for _, c := range p.cfg.Caches {
			c.InvalidateCache()
		}
	}

	p.logger.Info().
		Int("success", res.SuccessCount).
		Int("failed", res.FailCount).
		Int("skipped", res.Skipped).
		Int("flagged", len(res.Flagged)).
		Msg("Batch complete")

	return res
}

func (p *Pipeline) processFile(ctx context.Context, f mirror.SourceFile, current, total int, opts Options) Outcome {
	start := p.cfg.Now()
	out := Outcome{File: f, State: Discovered}
	log := p.logger.With().Str("file", f.Name).Logger()

	done := func(state State, err error) Outcome {
		out.State = state
		out.Err = err
		out.Duration = p.cfg.Now().Sub(start)
		switch state {
		case Committed:
			log.Debug().Dur("took", out.Duration).Msg("Committed")
		case Skipped:
			log.Warn().Err(err).Msg("Skipped")
		default:
			log.Error().Err(err).Str("state", state.String()).Msg("File failed")
		}
		return out
	}

	if err := checkReadable(f.Path); err != nil {
		return done(Skipped, mirror.Errorf(mirror.KindSourceUnreadable, "open", f.Path, err))
	}

	if err := os.MkdirAll(opts.Layout.Dir(), 0755); err != nil {
		return done(Failed, mirror.Errorf(mirror.KindUnknown, "mkdir", opts.Layout.Dir(), err))
	}

	dst := opts.Layout.Path(f.Name)
	backup := ""
	if _, err := os.Stat(dst); err == nil {
		out.State = LockReleaseRequested
		if p.cfg.Locks != nil {
			p.cfg.Locks.ReleaseLock(f.Name)
		}
		p.cfg.Sleep(p.cfg.SettleDelay)

		backup = mirror.BackupPath(dst, p.cfg.Now())
		if err := p.renameWithRetry(dst, backup); err != nil {
			return done(Skipped, err)
		}
		out.State = BackedUp
	}

	out.State = Decrypting
	onProgress := func(cur, tot int64) {
		pct := 0.0
		if tot > 0 {
			pct = float64(cur) / float64(tot) * 100
		}
		opts.Sink.Progress(opts.EventType, current, total, f.Name, pct)
	}
	decErr := p.cfg.Decrypter.Decrypt(ctx, f.Path, dst, p.cfg.Key, onProgress)
	if p.cfg.DecryptYield > 0 {
		p.cfg.Sleep(p.cfg.DecryptYield)
	}
	if decErr != nil {
		p.discard(dst, log)
		if backup != "" {
			if err := p.restore(backup, dst); err != nil {
				log.Error().Err(err).Str("backup", backup).Msg("Failed to restore backup")
			}
		}
		return done(Failed, mirror.Errorf(mirror.KindDecrypt, "decrypt", f.Path, decErr))
	}

	var warning error
	if !p.cfg.SkipIntegrityCheck && !IsFTS(f.Name) {
		out.State = Verifying
		runtime.Gosched()
		verr := p.cfg.Verifier.Verify(ctx, dst)
		runtime.Gosched()

		out.Decision = p.cfg.Policy.Decide(verr)
		switch out.Decision {
		case verify.Rollback:
			p.discard(dst, log)
			if backup != "" {
				if err := p.restore(backup, dst); err != nil {
					log.Error().Err(err).Str("backup", backup).Msg("Failed to restore backup")
				}
			}
			if !errors.Is(verr, mirror.ErrCorrupt) {
				verr = fmt.Errorf("%w: %v", mirror.ErrCorrupt, verr)
			}
			return done(RolledBack, mirror.Errorf(mirror.KindCorruption, "verify", dst, verr))
		case verify.SoftPass:
			log.Warn().Err(verr).Str("category", string(verify.Classify(verr))).Msg("Verification warning, keeping file")
			warning = mirror.Errorf(mirror.KindSoftVerification, "verify", dst, verr)
		case verify.Review:
			log.Error().Err(verr).Str("category", string(verify.Classify(verr))).Msg("Verification needs review, keeping file")
			warning = mirror.Errorf(mirror.KindSoftVerification, "verify", dst, verr)
		}
	}

	if backup != "" {
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("backup", backup).Msg("Failed to remove backup")
		}
	}
	return done(Committed, warning)
}

// renameWithRetry renames with linear backoff. Errors that do not look like
// lock contention are logged and retried all the same.
func (p *Pipeline) renameWithRetry(from, to string) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		err := p.cfg.Rename(from, to)
		if err == nil {
			return nil
		}
		lastErr = err

		ev := p.logger.Debug()
		if !isLockError(err) {
			ev = p.logger.Warn()
		}
		ev.Err(err).Int("attempt", attempt).Str("path", from).Msg("Rename failed")

		if attempt < p.cfg.RetryAttempts {
			p.cfg.Sleep(p.cfg.RetryBackoff * time.Duration(attempt))
		}
	}

	if isLockError(lastErr) {
		return mirror.Errorf(mirror.KindLockContention, "backup", from, fmt.Errorf("%w: %v", mirror.ErrLockContention, lastErr))
	}
	return mirror.Errorf(mirror.KindUnknown, "backup", from, lastErr)
}

// restore moves a backup back into place.
func (p *Pipeline) restore(backup, dst string) error {
	return p.renameWithRetry(backup, dst)
}

// discard removes a partial or corrupt output, or moves it aside when it
// cannot be removed.
func (p *Pipeline) discard(dst string, log zerolog.Logger) {
	err := os.Remove(dst)
	if err == nil || os.IsNotExist(err) {
		return
	}
	q := mirror.QuarantinePath(dst, p.cfg.Now())
	if rerr := p.cfg.Rename(dst, q); rerr != nil {
		log.Error().Err(rerr).Str("path", dst).Msg("Failed to quarantine output")
		return
	}
	log.Warn().Err(err).Str("quarantine", q).Msg("Quarantined output")
}

// IsFTS reports whether a file name denotes a full-text-search index: some
// "_", "." or "-" separated part of the name starts with "fts".
func IsFTS(name string) bool {
	parts := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '.' || r == '-'
	})
	for _, part := range parts {
		if strings.HasPrefix(part, "fts") {
			return true
		}
	}
	return false
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
