// Package state persists the last committed profile selection across daemon
// restarts. The on-disk format is an INI keyfile with a single [State]
// section holding the profile and the driver identities that applied it, so
// a stale selection is never replayed onto different hardware.
package state

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
)

const (
	sectionState      = "State"
	keyCPUDriver      = "CpuDriver"
	keyPlatformDriver = "PlatformDriver"
	keyProfile        = "Profile"
)

// Saved is the persisted profile selection.
type Saved struct {
	CPUDriver      string
	PlatformDriver string
	Profile        string
}

// Store reads and writes the state keyfile at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the given keyfile path. The file is created
// lazily on first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted state. ok is false when the file is missing,
// unreadable or lacks a profile entry.
func (s *Store) Load() (Saved, bool) {
	f, err := ini.Load(s.path)
	if err != nil {
		return Saved{}, false
	}
	sec := f.Section(sectionState)
	saved := Saved{
		CPUDriver:      sec.Key(keyCPUDriver).String(),
		PlatformDriver: sec.Key(keyPlatformDriver).String(),
		Profile:        sec.Key(keyProfile).String(),
	}
	if saved.Profile == "" {
		return Saved{}, false
	}
	return saved, true
}

// Save writes the state keyfile, creating the parent directory if needed.
// Keys for absent drivers are omitted entirely.
func (s *Store) Save(saved Saved) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return daemonErrors.Wrap(daemonErrors.CodeConfigSaveFailed,
			fmt.Sprintf("could not create state directory for %s", s.path), err)
	}

	f := ini.Empty()
	sec := f.Section(sectionState)
	if saved.CPUDriver != "" {
		sec.Key(keyCPUDriver).SetValue(saved.CPUDriver)
	}
	if saved.PlatformDriver != "" {
		sec.Key(keyPlatformDriver).SetValue(saved.PlatformDriver)
	}
	sec.Key(keyProfile).SetValue(saved.Profile)

	if err := f.SaveTo(s.path); err != nil {
		return daemonErrors.Wrap(daemonErrors.CodeConfigSaveFailed,
			fmt.Sprintf("could not save state file %s", s.path), err)
	}
	return nil
}
