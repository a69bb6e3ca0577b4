// Package config loads dbmirror settings.
//
// Configuration priority: flags > env vars (DBMIRROR_*) > config file >
// defaults. Nested keys map to env vars by replacing dots with underscores,
// so source.root becomes DBMIRROR_SOURCE_ROOT.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/dbmirror/dbmirror/internal/logging"
	"github.com/dbmirror/dbmirror/internal/resolve"
	"github.com/dbmirror/dbmirror/internal/scan"
	"github.com/dbmirror/dbmirror/internal/verify"
)

// Name is the config file base name and the env prefix.
const Name = "dbmirror"

// Config holds every setting.
type Config struct {
	Source     SourceConfig
	MirrorRoot string
	Decrypt    DecryptConfig

	// AutoUpdateDatabase gates watch mode.
	AutoUpdateDatabase bool

	// SkipIntegrityCheck disables verification of decrypted files.
	SkipIntegrityCheck bool

	// Recoverable lists verification categories that pass with a warning.
	Recoverable []string

	Watch     WatchConfig
	Dashboard DashboardConfig
	Log       logging.Config
	StatePath string
}

// SourceConfig locates the encrypted databases.
type SourceConfig struct {
	Root          string
	Account       string
	Tag           string
	StorageSubdir string
	Extension     string
}

// DecryptConfig configures the external decrypt program.
type DecryptConfig struct {
	Key     string
	Command string
	Args    []string
	Timeout time.Duration
}

// WatchConfig tunes the coordinator.
type WatchConfig struct {
	Debounce     time.Duration
	Settle       time.Duration
	MinInterval  time.Duration
	MaxPending   int
	PollInterval time.Duration
	CycleTimeout time.Duration
}

// DashboardConfig configures the progress WebSocket server.
type DashboardConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.tag", resolve.DefaultTag)
	v.SetDefault("source.storage_subdir", scan.DefaultStorageSubdir)
	v.SetDefault("source.extension", scan.DefaultExtension)
	v.SetDefault("mirror.root", scan.DefaultMirrorRoot())
	v.SetDefault("decrypt.args", []string{"{src}", "{dst}"})
	v.SetDefault("decrypt.timeout", "10m")
	v.SetDefault("auto_update_database", true)
	v.SetDefault("skip_integrity_check", false)
	v.SetDefault("verify.recoverable", []string{string(verify.CategoryMissingExtension), string(verify.CategoryLogic)})
	v.SetDefault("watch.debounce", "300ms")
	v.SetDefault("watch.settle", "1s")
	v.SetDefault("watch.min_interval", "1s")
	v.SetDefault("watch.max_pending", 3)
	v.SetDefault("watch.poll_interval", "30s")
	v.SetDefault("watch.cycle_timeout", "30s")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8765)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("state.path", defaultStatePath())
}

// Dir returns the directory searched for dbmirror.toml.
func Dir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, Name)
	}
	return "."
}

func defaultStatePath() string {
	return filepath.Join(Dir(), "state.yaml")
}

// Load builds a viper instance from defaults, the config file and the
// environment. An explicit cfgFile must exist; the search path may not.
func Load(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
		v.SetConfigName(Name)
	}

	v.SetEnvPrefix(strings.ToUpper(Name))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// From extracts a Config from v.
func From(v *viper.Viper) Config {
	return Config{
		Source: SourceConfig{
			Root:          v.GetString("source.root"),
			Account:       v.GetString("source.account"),
			Tag:           v.GetString("source.tag"),
			StorageSubdir: v.GetString("source.storage_subdir"),
			Extension:     v.GetString("source.extension"),
		},
		MirrorRoot: v.GetString("mirror.root"),
		Decrypt: DecryptConfig{
			Key:     v.GetString("decrypt.key"),
			Command: v.GetString("decrypt.command"),
			Args:    v.GetStringSlice("decrypt.args"),
			Timeout: v.GetDuration("decrypt.timeout"),
		},
		AutoUpdateDatabase: v.GetBool("auto_update_database"),
		SkipIntegrityCheck: v.GetBool("skip_integrity_check"),
		Recoverable:        v.GetStringSlice("verify.recoverable"),
		Watch: WatchConfig{
			Debounce:     v.GetDuration("watch.debounce"),
			Settle:       v.GetDuration("watch.settle"),
			MinInterval:  v.GetDuration("watch.min_interval"),
			MaxPending:   v.GetInt("watch.max_pending"),
			PollInterval: v.GetDuration("watch.poll_interval"),
			CycleTimeout: v.GetDuration("watch.cycle_timeout"),
		},
		Dashboard: DashboardConfig{
			Enabled: v.GetBool("dashboard.enabled"),
			Host:    v.GetString("dashboard.host"),
			Port:    v.GetInt("dashboard.port"),
		},
		Log: logging.Config{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
		StatePath: v.GetString("state.path"),
	}
}

// Validate checks settings that would otherwise fail late. Missing root,
// account and key are reported by the operations that need them.
func (c Config) Validate() error {
	var errs []error

	durations := map[string]time.Duration{
		"watch.debounce":      c.Watch.Debounce,
		"watch.settle":        c.Watch.Settle,
		"watch.min_interval":  c.Watch.MinInterval,
		"watch.poll_interval": c.Watch.PollInterval,
		"watch.cycle_timeout": c.Watch.CycleTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", k, d))
		}
	}
	if c.Watch.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("watch.max_pending must be at least 1, got %d", c.Watch.MaxPending))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if !strings.HasPrefix(c.Source.Extension, ".") {
		errs = append(errs, fmt.Errorf("source.extension must start with a dot, got %q", c.Source.Extension))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, fmt.Errorf("verify.recoverable: %w", err))
	}
	if lvl := strings.ToLower(c.Log.Level); lvl != "" && lvl != "info" && logging.ParseLevel(lvl) == zerolog.InfoLevel {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// Policy returns the verification policy built from Recoverable.
func (c Config) Policy() (verify.Policy, error) {
	p, err := verify.ParsePolicy(c.Recoverable)
	if err != nil {
		return verify.Policy{}, err
	}
	if p.Recoverable == nil {
		// An explicit empty list means nothing is recoverable.
		p.Recoverable = []verify.Category{}
	}
	return p, nil
}
