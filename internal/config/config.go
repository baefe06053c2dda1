// Package config provides TOML configuration file loading for the daemon.
// The configuration file lives at /etc/power-profiles-daemon/config.toml by
// default, but can be overridden with the --config flag. CLI flags always
// take precedence over file values.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
)

// Config represents the daemon configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// StateFile is the path of the persisted profile state keyfile.
	// Default: /var/lib/power-profiles-daemon/state.ini
	StateFile string `toml:"state_file"`

	// Database is the path to the SQLite transition history database.
	// Default: /var/lib/power-profiles-daemon/history.db
	Database string `toml:"database"`

	// BlockedDrivers lists driver names that must never be probed.
	BlockedDrivers []string `toml:"blocked_drivers"`

	// BlockedActions lists action names that must never be probed.
	BlockedActions []string `toml:"blocked_actions"`

	// DisableUpower skips the UPower battery/power-source collaborator.
	// Default: false
	DisableUpower bool `toml:"disable_upower"`

	// DisableLogind skips the logind suspend collaborator.
	// Default: false
	DisableLogind bool `toml:"disable_logind"`

	// Verbose enables debug-level logging.
	// Default: false
	Verbose bool `toml:"verbose"`
}

// DefaultConfigPath is the default config file location.
const DefaultConfigPath = "/etc/power-profiles-daemon/config.toml"

// DefaultStateFile is where the last active profile is persisted.
const DefaultStateFile = "/var/lib/power-profiles-daemon/state.ini"

// DefaultDatabase is where profile transitions are recorded.
const DefaultDatabase = "/var/lib/power-profiles-daemon/history.db"

// Load reads a TOML config file from the given path and returns a Config
// with defaults filled in.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns a default Config without error if that file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, daemonErrors.New(daemonErrors.CodeConfigParseFailed,
				fmt.Sprintf("config file not found: %s", path))
		}
		cfg.applyDefaults()
		return cfg, nil
	}

	// Any parse error is fatal since the user expects the config to be
	// applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, daemonErrors.Wrap(daemonErrors.CodeConfigParseFailed,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateFile == "" {
		c.StateFile = DefaultStateFile
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
}
