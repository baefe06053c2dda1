package config

import (
	"os"
	"path/filepath"
	"testing"

	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
)

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	content := `
state_file = "/tmp/state.ini"
database = "/tmp/history.db"
blocked_drivers = ["intel_pstate", "amd_pstate"]
blocked_actions = ["trickle_charge"]
disable_upower = true
disable_logind = true
verbose = true
`
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.StateFile != "/tmp/state.ini" {
		t.Errorf("StateFile = %q, want %q", cfg.StateFile, "/tmp/state.ini")
	}
	if cfg.Database != "/tmp/history.db" {
		t.Errorf("Database = %q, want %q", cfg.Database, "/tmp/history.db")
	}
	if len(cfg.BlockedDrivers) != 2 || cfg.BlockedDrivers[0] != "intel_pstate" {
		t.Errorf("BlockedDrivers = %v", cfg.BlockedDrivers)
	}
	if len(cfg.BlockedActions) != 1 || cfg.BlockedActions[0] != "trickle_charge" {
		t.Errorf("BlockedActions = %v", cfg.BlockedActions)
	}
	if !cfg.DisableUpower {
		t.Error("DisableUpower = false, want true")
	}
	if !cfg.DisableLogind {
		t.Error("DisableLogind = false, want true")
	}
	if !cfg.Verbose {
		t.Error("Verbose = false, want true")
	}
}

// TestLoad_Defaults verifies defaults are applied when fields are omitted.
func TestLoad_Defaults(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte("disable_upower = true\n"), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.StateFile != DefaultStateFile {
		t.Errorf("StateFile = %q, want default", cfg.StateFile)
	}
	if cfg.Database != DefaultDatabase {
		t.Errorf("Database = %q, want default", cfg.Database)
	}
}

// TestLoad_ExplicitPathMissing verifies that a specified but missing file errors.
func TestLoad_ExplicitPathMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
	if !daemonErrors.IsCode(err, daemonErrors.CodeConfigParseFailed) {
		t.Errorf("code = %q, want config.parse_failed", daemonErrors.GetCode(err))
	}
}

// TestLoad_ParseError verifies malformed TOML is reported.
func TestLoad_ParseError(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte("blocked_drivers = not-a-list"), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	if _, err := Load(tmpFile); err == nil {
		t.Fatal("expected parse error")
	}
}
