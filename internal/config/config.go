// Package config loads minion's configuration from one YAML file (the
// --config path, else $MINION_CONFIG, else ~/.config/minion/config.yaml)
// merged over built-in defaults. CLI flags and $MINION_LOG take
// priority over what the file says.
//
// Grounded on the teacher's internal/config.Manager (user-config +
// project-config layering, merge-with-fallback), adapted from its
// per-field JSON settings.json to a single YAML file per SPEC_FULL.md
// §4.15, since this tool has no per-project settings concept to layer
// against — just a single operator-wide configuration.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// DriverPreference overrides the resource driver try-order
	// (cgroupv2, cgroupv1, rlimit).
	DriverPreference []string `yaml:"driver_preference,omitempty"`
	CgroupfsRoot     string   `yaml:"cgroupfs_root,omitempty"`
	IsolationRoot    string   `yaml:"isolation_root,omitempty"`
	QueueDir         string   `yaml:"queue_dir,omitempty"`
	HistoryDBPath    string   `yaml:"history_db_path,omitempty"`
	LogLevel         string   `yaml:"log_level,omitempty"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DriverPreference: []string{"cgroupv2", "cgroupv1", "rlimit"},
		IsolationRoot:    filepath.Join(os.TempDir(), "minion-root"),
		QueueDir:         filepath.Join(home, ".local", "share", "minion", "queue"),
		HistoryDBPath:    filepath.Join(home, ".local", "share", "minion", "history.db"),
		LogLevel:         "info",
	}
}

// Load resolves the config file path (explicit flag value first, then
// $MINION_CONFIG, then the default location) and merges it over the
// built-in defaults. A missing file at the default location is not an
// error; a missing file at an explicitly requested path is.
func Load(flagPath string) (cfg Config, err error) {
	cfg = defaults()

	// MINION_LOG is the documented low-level escape hatch for verbosity
	// and beats whatever the config file says, on every return path.
	defer func() {
		if lvl := os.Getenv("MINION_LOG"); lvl != "" {
			cfg.LogLevel = lvl
		}
	}()

	path := flagPath
	explicit := path != ""
	if path == "" {
		path = os.Getenv("MINION_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".config", "minion", "config.yaml")
		}
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, err
	}

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return cfg, err
	}
	mergeOver(&cfg, fromFile)
	return cfg, nil
}

// mergeOver overwrites base with every non-zero field set in override.
func mergeOver(base *Config, override Config) {
	if len(override.DriverPreference) > 0 {
		base.DriverPreference = override.DriverPreference
	}
	if override.CgroupfsRoot != "" {
		base.CgroupfsRoot = override.CgroupfsRoot
	}
	if override.IsolationRoot != "" {
		base.IsolationRoot = override.IsolationRoot
	}
	if override.QueueDir != "" {
		base.QueueDir = override.QueueDir
	}
	if override.HistoryDBPath != "" {
		base.HistoryDBPath = override.HistoryDBPath
	}
	if override.LogLevel != "" {
		base.LogLevel = override.LogLevel
	}
}
