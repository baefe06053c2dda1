// Package profile defines the power profile model shared by the engine,
// the drivers and the D-Bus layer: the profile bit flags, activation and
// power-source reasons, and driver probe results.
package profile

import (
	"strings"

	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
)

// Profile is a single power profile, encoded as a bit flag so that drivers
// can advertise sets of profiles. Exactly one profile is ever active.
type Profile uint32

const (
	PowerSaver  Profile = 1 << 0
	Balanced    Profile = 1 << 1
	Performance Profile = 1 << 2
)

// All is the set of every defined profile.
const All = PowerSaver | Balanced | Performance

// Baseline is the coverage the installed drivers must provide for the
// daemon to be useful at all.
const Baseline = PowerSaver | Balanced

// String returns the stable wire name of a single profile.
func (p Profile) String() string {
	switch p {
	case PowerSaver:
		return "power-saver"
	case Balanced:
		return "balanced"
	case Performance:
		return "performance"
	}
	return ""
}

// Parse maps a wire name onto a single profile flag.
func Parse(name string) (Profile, error) {
	switch name {
	case "power-saver":
		return PowerSaver, nil
	case "balanced":
		return Balanced, nil
	case "performance":
		return Performance, nil
	}
	return 0, daemonErrors.UnknownProfile(name)
}

// IsSingle reports whether p holds exactly one profile flag.
func (p Profile) IsSingle() bool {
	return p == PowerSaver || p == Balanced || p == Performance
}

// Has reports whether the set p contains every flag of q.
func (p Profile) Has(q Profile) bool {
	return p&q == q
}

// Holdable reports whether the profile may be the target of a hold.
// Balanced is the default state and never needs holding.
func (p Profile) Holdable() bool {
	return p == PowerSaver || p == Performance
}

// SetString renders a profile set for logging, e.g. "power-saver+balanced".
func (p Profile) SetString() string {
	var parts []string
	for _, f := range []Profile{PowerSaver, Balanced, Performance} {
		if p.Has(f) {
			parts = append(parts, f.String())
		}
	}
	return strings.Join(parts, "+")
}

// ActivationReason says why a profile transition is happening. It decides
// what gets persisted and what gets emitted.
type ActivationReason int

const (
	// ReasonUser is an explicit client selection. Persisted.
	ReasonUser ActivationReason = iota
	// ReasonInternal is a daemon-internal selection, such as a driver
	// reporting a profile change made behind the daemon's back. Persisted.
	ReasonInternal
	// ReasonHold is a temporary override by the hold stack, including the
	// restore when the last hold goes away. Never persisted.
	ReasonHold
	// ReasonReset is the initial application during registration. Never
	// persisted.
	ReasonReset
	// ReasonResume is a reapplication of the active profile after waking
	// from suspend. Never persisted.
	ReasonResume
)

func (r ActivationReason) String() string {
	switch r {
	case ReasonUser:
		return "user"
	case ReasonInternal:
		return "internal"
	case ReasonHold:
		return "hold"
	case ReasonReset:
		return "reset"
	case ReasonResume:
		return "resume"
	}
	return "unknown"
}

// PowerReason is the power-source state propagated to components.
type PowerReason int

const (
	PowerUnknown PowerReason = iota
	PowerAC
	PowerBattery
)

func (r PowerReason) String() string {
	switch r {
	case PowerAC:
		return "ac"
	case PowerBattery:
		return "battery"
	}
	return "unknown"
}

// ProbeResult is the tri-state outcome of a component probe.
type ProbeResult int

const (
	// ProbeSuccess installs the component.
	ProbeSuccess ProbeResult = iota
	// ProbeFail discards the component for this registration pass.
	ProbeFail
	// ProbeDefer keeps the component alive; it may later request a new
	// registration pass. Only meaningful for drivers.
	ProbeDefer
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeSuccess:
		return "success"
	case ProbeFail:
		return "fail"
	case ProbeDefer:
		return "defer"
	}
	return "unknown"
}
