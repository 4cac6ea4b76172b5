// Package config loads tally configuration and the explicit pricing table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all tally configuration.
type Config struct {
	General     GeneralConfig     `toml:"general"`
	Sync        SyncConfig        `toml:"sync"`
	Attribution AttributionConfig `toml:"attribution"`
	Pricing     PricingConfig     `toml:"pricing"`
}

// GeneralConfig holds paths.
type GeneralConfig struct {
	DataDir string `toml:"data_dir,omitempty"`
	DBPath  string `toml:"db_path,omitempty"`
}

// SyncConfig tunes the ingestion engine and its triggers.
type SyncConfig struct {
	Workers   int      `toml:"workers"`
	BatchSize int      `toml:"batch_size"`
	Interval  Duration `toml:"interval"`
	Debounce  Duration `toml:"debounce"`
	QueueSize int      `toml:"queue_size"`
}

// AttributionConfig tunes commit attribution and churn detection.
type AttributionConfig struct {
	ChurnLookbackDays int      `toml:"churn_lookback_days"`
	RetryBackoff      Duration `toml:"retry_backoff"`
}

// ChurnLookback returns the lookback window as a duration.
func (a AttributionConfig) ChurnLookback() time.Duration {
	return time.Duration(a.ChurnLookbackDays) * 24 * time.Hour
}

// PricingConfig holds user-supplied model rates, merged over the defaults.
type PricingConfig struct {
	Models map[string]ModelRates `toml:"models,omitempty"`
}

// Duration is a time.Duration that decodes from TOML strings like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		General: GeneralConfig{
			DataDir: filepath.Join(home, ".claude", "projects"),
			DBPath:  filepath.Join(CacheDir(), "tally.db"),
		},
		Sync: SyncConfig{
			Workers:   runtime.GOMAXPROCS(0),
			BatchSize: 500,
			Interval:  Duration{5 * time.Minute},
			Debounce:  Duration{750 * time.Millisecond},
			QueueSize: 1024,
		},
		Attribution: AttributionConfig{
			ChurnLookbackDays: 90,
			RetryBackoff:      Duration{2 * time.Second},
		},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tally")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tally")
}

// Path returns the full path to the config file.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// CacheDir returns the platform-appropriate cache directory.
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "tally")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "tally")
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is the user's own config file
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	home, _ := os.UserHomeDir()
	cfg.General.DataDir = expandHome(cfg.General.DataDir, home)
	cfg.General.DBPath = expandHome(cfg.General.DBPath, home)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be >= 1, got %d", c.Sync.Workers)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be >= 1, got %d", c.Sync.BatchSize)
	}
	if c.Attribution.ChurnLookbackDays < 0 {
		return fmt.Errorf("attribution.churn_lookback_days must be >= 0, got %d", c.Attribution.ChurnLookbackDays)
	}
	for name, r := range c.Pricing.Models {
		if err := r.validate(); err != nil {
			return fmt.Errorf("pricing for %s: %w", name, err)
		}
	}
	return nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	dir := Dir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(Path(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return toml.NewEncoder(f).Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}

func expandHome(path, home string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
