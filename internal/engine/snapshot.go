package engine

import (
	"strings"

	"github.com/powerprofiles/daemon/internal/profile"
)

// ChangeMask selects which properties a batched change notification covers.
// The bit layout is shared with the D-Bus layer.
type ChangeMask uint32

const (
	ChangedActiveProfile ChangeMask = 1 << iota
	ChangedInhibited
	ChangedProfiles
	ChangedActions
	ChangedDegraded
	ChangedHolds
	ChangedVersion
)

// ChangeAll covers every property, used after a registration pass.
const ChangeAll = ChangedActiveProfile | ChangedInhibited | ChangedProfiles |
	ChangedActions | ChangedDegraded | ChangedHolds | ChangedVersion

// ProfileInfo describes one available profile and the drivers backing it.
// Driver is the legacy single-driver field kept for older clients.
type ProfileInfo struct {
	Profile        string
	CPUDriver      string
	PlatformDriver string
	Driver         string
}

// HoldInfo is the client-visible view of a hold. The requester identity is
// deliberately not exposed.
type HoldInfo struct {
	ApplicationID string
	Profile       string
	Reason        string
}

// Snapshot is a consistent copy of the engine's client-visible state.
type Snapshot struct {
	ActiveProfile       string
	PerformanceDegraded string
	Profiles            []ProfileInfo
	Actions             []string
	Holds               []HoldInfo
	Version             string
}

// Snapshot captures the current state under the engine lock.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		ActiveProfile:       e.active.String(),
		PerformanceDegraded: e.performanceDegradedLocked(),
		Version:             e.version,
	}

	for _, p := range []profile.Profile{profile.PowerSaver, profile.Balanced, profile.Performance} {
		if !e.availableLocked(p) {
			continue
		}
		info := ProfileInfo{Profile: p.String()}
		cpu := e.cpu != nil && e.cpu.Profiles().Has(p)
		platform := e.platform != nil && e.platform.Profiles().Has(p)
		if cpu {
			info.CPUDriver = e.cpu.Name()
		}
		if platform {
			info.PlatformDriver = e.platform.Name()
		}
		switch {
		case cpu && platform:
			info.Driver = "multiple"
		case cpu:
			info.Driver = e.cpu.Name()
		case platform:
			info.Driver = e.platform.Name()
		}
		snap.Profiles = append(snap.Profiles, info)
	}

	for _, a := range e.actions {
		snap.Actions = append(snap.Actions, a.Name())
	}

	for _, h := range e.holds {
		snap.Holds = append(snap.Holds, HoldInfo{
			ApplicationID: h.ApplicationID,
			Profile:       h.Profile.String(),
			Reason:        h.Reason,
		})
	}

	return snap
}

// performanceDegradedLocked joins the degradation reasons of the drivers
// that actually offer the performance profile, CPU side first.
func (e *Engine) performanceDegradedLocked() string {
	var reasons []string
	if e.cpu != nil && e.cpu.Profiles().Has(profile.Performance) {
		if r := e.cpu.PerformanceDegraded(); r != "" {
			reasons = append(reasons, r)
		}
	}
	if e.platform != nil && e.platform.Profiles().Has(profile.Performance) {
		if r := e.platform.PerformanceDegraded(); r != "" {
			reasons = append(reasons, r)
		}
	}
	return strings.Join(reasons, ",")
}
