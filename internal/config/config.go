// Package config loads TOML configuration for the metrics tooling.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Ingest   IngestConfig   `toml:"ingest"`
	Classify ClassifyConfig `toml:"classify"`
}

// GeneralConfig holds storage locations
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	MetricsDir   string `toml:"metrics_dir"`
}

// IngestConfig holds watcher settings
type IngestConfig struct {
	DebounceMs int    `toml:"debounce_ms"`
	RescanCron string `toml:"rescan_cron"`
}

// ClassifyConfig holds source-classifier settings
type ClassifyConfig struct {
	Workers int `toml:"workers"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".migmetrics", "runs.db"),
			MetricsDir:   filepath.Join(home, ".migmetrics", "metrics"),
		},
		Ingest: IngestConfig{
			DebounceMs: 500,
		},
		Classify: ClassifyConfig{
			Workers: 4,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.MetricsDir = ExpandPath(cfg.General.MetricsDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "migmetrics", "config.toml")
}
