// Package logging builds the zerolog loggers used across dbmirror.
//
// A single root logger is created at startup from Config. Components derive
// their own logger with Component, which adds a "component" field so the
// output of the scanner, the pipeline and the coordinator can be told apart:
//
//	root, closer, err := logging.New(logging.Config{Level: "debug", File: "dbmirror.log"})
//	if err != nil {
//	    return err
//	}
//	defer closer.Close()
//	log := logging.Component(root, "pipeline")
//	log.Info().Str("file", name).Msg("Committed")
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: trace, debug, info, warn, error, disabled.
	// Default: info
	Level string

	// Format is the console output format: console or json.
	// Default: console
	Format string

	// File is an optional log file path. The file is rotated by size.
	File string

	// MaxSizeMB is the size at which the log file is rotated.
	// Default: 10
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	// Default: 3
	MaxBackups int

	// Output is the console writer.
	// Default: os.Stderr
	Output io.Writer
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  10,
		MaxBackups: 3,
		Output:     os.Stderr,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates the root logger. The returned closer releases the log file,
// if one was configured.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}

	zerolog.TimeFieldFormat = time.RFC3339

	console := cfg.Output
	if !strings.EqualFold(cfg.Format, "json") {
		console = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: "15:04:05",
		}
	}

	var closer io.Closer = nopCloser{}
	out := console
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		closer = rotator
		out = zerolog.MultiLevelWriter(console, rotator)
	}

	logger := zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()

	return logger, closer, nil
}

// Component returns a child logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// ParseLevel converts a string level to zerolog.Level. Unknown values map
// to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
