package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// File is the on-disk layout of dbmirror.toml. Durations are written as
// strings such as "300ms" so viper can parse them back.
type File struct {
	AutoUpdateDatabase bool `toml:"auto_update_database"`
	SkipIntegrityCheck bool `toml:"skip_integrity_check"`

	Source struct {
		Root          string `toml:"root"`
		Account       string `toml:"account"`
		Tag           string `toml:"tag,omitempty"`
		StorageSubdir string `toml:"storage_subdir,omitempty"`
		Extension     string `toml:"extension,omitempty"`
	} `toml:"source"`

	Mirror struct {
		Root string `toml:"root"`
	} `toml:"mirror"`

	Decrypt struct {
		Key     string   `toml:"key,omitempty"`
		Command string   `toml:"command"`
		Args    []string `toml:"args"`
		Timeout string   `toml:"timeout"`
	} `toml:"decrypt"`

	Verify struct {
		Recoverable []string `toml:"recoverable"`
	} `toml:"verify"`

	Watch struct {
		Debounce     string `toml:"debounce"`
		Settle       string `toml:"settle"`
		MinInterval  string `toml:"min_interval"`
		MaxPending   int    `toml:"max_pending"`
		PollInterval string `toml:"poll_interval"`
		CycleTimeout string `toml:"cycle_timeout"`
	} `toml:"watch"`

	Dashboard struct {
		Enabled bool   `toml:"enabled"`
		Host    string `toml:"host"`
		Port    int    `toml:"port"`
	} `toml:"dashboard"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file,omitempty"`
	} `toml:"log"`
}

// ToFile converts c to its file layout.
func (c Config) ToFile() File {
	var f File
	f.AutoUpdateDatabase = c.AutoUpdateDatabase
	f.SkipIntegrityCheck = c.SkipIntegrityCheck

	f.Source.Root = c.Source.Root
	f.Source.Account = c.Source.Account
	f.Source.Tag = c.Source.Tag
	f.Source.StorageSubdir = c.Source.StorageSubdir
	f.Source.Extension = c.Source.Extension
	f.Mirror.Root = c.MirrorRoot

	f.Decrypt.Key = c.Decrypt.Key
	f.Decrypt.Command = c.Decrypt.Command
	f.Decrypt.Args = c.Decrypt.Args
	f.Decrypt.Timeout = c.Decrypt.Timeout.String()

	f.Verify.Recoverable = c.Recoverable
	if f.Verify.Recoverable == nil {
		f.Verify.Recoverable = []string{}
	}

	f.Watch.Debounce = c.Watch.Debounce.String()
	f.Watch.Settle = c.Watch.Settle.String()
	f.Watch.MinInterval = c.Watch.MinInterval.String()
	f.Watch.MaxPending = c.Watch.MaxPending
	f.Watch.PollInterval = c.Watch.PollInterval.String()
	f.Watch.CycleTimeout = c.Watch.CycleTimeout.String()

	f.Dashboard.Enabled = c.Dashboard.Enabled
	f.Dashboard.Host = c.Dashboard.Host
	f.Dashboard.Port = c.Dashboard.Port

	f.Log.Level = c.Log.Level
	f.Log.Format = c.Log.Format
	f.Log.File = c.Log.File
	return f
}

// WriteTOML writes c to path, creating parent directories. An existing
// file is only replaced when overwrite is set.
func (c Config) WriteTOML(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The key may be stored here, so keep the file private.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(c.ToFile()); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}
