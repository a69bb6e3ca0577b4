// Package state persists the outcome of the last update cycle between runs.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dbmirror/dbmirror/internal/pipeline"
)

// Batch summarises one pipeline run.
type Batch struct {
	Success int      `yaml:"success"`
	Failed  int      `yaml:"failed"`
	Skipped int      `yaml:"skipped"`
	Flagged []string `yaml:"flagged,omitempty"`
}

// State is the content of the state file.
type State struct {
	// LastSuccess is when the last successful cycle finished.
	LastSuccess time.Time `yaml:"last_success,omitempty"`

	// LastRun is when the last cycle of any outcome finished.
	LastRun time.Time `yaml:"last_run,omitempty"`

	LastBatch Batch  `yaml:"last_batch"`
	LastError string `yaml:"last_error,omitempty"`
}

// Load reads the state at path. A missing file yields an empty state.
func Load(path string) (State, error) {
	var s State
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read state: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	return s, nil
}

// Save writes s to path through a temp file and rename.
func Save(path string, s State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

// Record folds a finished batch into s. finished is the cycle end time.
func (s *State) Record(batch pipeline.BatchResult, err error, finished time.Time) {
	s.LastRun = finished
	s.LastBatch = Batch{
		Success: batch.SuccessCount,
		Failed:  batch.FailCount,
		Skipped: batch.Skipped,
		Flagged: batch.Flagged,
	}
	s.LastError = ""
	if err != nil {
		s.LastError = err.Error()
		return
	}
	s.LastSuccess = finished
}
