// Package decrypt defines the decrypt primitive used by the sync pipeline
// and an adapter that delegates decryption to an external program.
//
// dbmirror never implements the cipher itself. A Command is configured with
// the program and an argument template:
//
//	dec := &decrypt.Command{
//	    Path: "/usr/local/bin/wxdecrypt",
//	    Args: []string{"--in", "{src}", "--out", "{dst}"},
//	}
//	err := dec.Decrypt(ctx, src, dst, key, func(cur, total int64) {
//	    fmt.Printf("%d/%d pages\n", cur, total)
//	})
//
// When no argument contains {key}, the key is passed through the
// DBMIRROR_KEY environment variable so it does not show up in process
// listings. The program may report progress by printing lines of the form
// "progress <current> <total>" on stdout.
package decrypt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProgressFunc receives decrypt progress in arbitrary units (pages, bytes).
type ProgressFunc func(current, total int64)

// Decrypter turns an encrypted source database into a plaintext file.
//
// Implementations may assume the parent directory of dst exists.
type Decrypter interface {
	Decrypt(ctx context.Context, src, dst, key string, onProgress ProgressFunc) error
}

// Func adapts a function to the Decrypter interface.
type Func func(ctx context.Context, src, dst, key string, onProgress ProgressFunc) error

// Decrypt implements Decrypter.
func (f Func) Decrypt(ctx context.Context, src, dst, key string, onProgress ProgressFunc) error {
	return f(ctx, src, dst, key, onProgress)
}

// KeyEnv is the environment variable carrying the key to external programs.
const KeyEnv = "DBMIRROR_KEY"

// ErrNoCommand is returned when no decrypt program is configured.
var ErrNoCommand = errors.New("no decrypt command configured")

// Command runs an external decrypt program.
type Command struct {
	// Path is the program to execute.
	Path string

	// Args is the argument template. {src}, {dst} and {key} are replaced.
	Args []string

	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Decrypt implements Decrypter.
func (c *Command) Decrypt(ctx context.Context, src, dst, key string, onProgress ProgressFunc) error {
	if c.Path == "" {
		return ErrNoCommand
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args, keyInArgs := expandArgs(c.Args, src, dst, key)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = os.Environ()
	if !keyInArgs {
		cmd.Env = append(cmd.Env, KeyEnv+"="+key)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	scanProgress(stdout, onProgress, c.Logger)

	if err := cmd.Wait(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return err
	}

	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("decrypt produced no output: %w", err)
	}
	return nil
}

func expandArgs(tmpl []string, src, dst, key string) ([]string, bool) {
	keyInArgs := false
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		if strings.Contains(a, "{key}") {
			keyInArgs = true
		}
		a = strings.ReplaceAll(a, "{src}", src)
		a = strings.ReplaceAll(a, "{dst}", dst)
		a = strings.ReplaceAll(a, "{key}", key)
		out[i] = a
	}
	return out, keyInArgs
}

// scanProgress reads "progress <current> <total>" lines until r is drained.
func scanProgress(r io.Reader, onProgress ProgressFunc, logger zerolog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		cur, total, ok := parseProgress(line)
		if !ok {
			if line != "" {
				logger.Debug().Str("output", line).Msg("decrypt")
			}
			continue
		}
		if onProgress != nil {
			onProgress(cur, total)
		}
	}
	// Drain the rest so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func parseProgress(line string) (int64, int64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "progress" {
		return 0, 0, false
	}
	cur, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return cur, total, true
}
