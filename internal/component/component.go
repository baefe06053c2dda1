// Package component defines the contract between the engine and the
// pluggable drivers and actions.
//
// The core interfaces carry only identity and capability advertisement.
// Everything else is an optional capability detected with a type assertion;
// a component that does not implement a capability is treated as succeeding
// trivially. The dispatch helpers in this package encode that rule so the
// engine never has to special-case absent methods.
package component

import (
	"github.com/powerprofiles/daemon/internal/profile"
)

// Kind separates the two driver slots. At most one driver of each kind is
// installed at a time.
type Kind int

const (
	// KindCPU drivers commit first during a transition and are the
	// rollback target when the platform driver fails.
	KindCPU Kind = iota
	// KindPlatform drivers commit second.
	KindPlatform
)

func (k Kind) String() string {
	if k == KindCPU {
		return "cpu"
	}
	return "platform"
}

// Component is the minimal contract shared by drivers and actions.
type Component interface {
	Name() string
}

// Driver translates the active profile into hardware state for one slot.
type Driver interface {
	Component
	Kind() Kind
	// Profiles is the set of profiles this driver can realize.
	Profiles() profile.Profile
	// PerformanceDegraded returns a non-empty reason string while the
	// driver considers performance degraded (e.g. "lap-detected").
	PerformanceDegraded() string
}

// Action applies a profile-dependent side effect. Actions never fail a
// transition; their errors are logged and dropped.
type Action interface {
	Component
	Description() string
}

// Prober is implemented by components that need a hardware check before
// installation. Components without it always install.
type Prober interface {
	Probe() profile.ProbeResult
}

// Activator is implemented by components that react to profile transitions.
type Activator interface {
	Activate(p profile.Profile, reason profile.ActivationReason) error
}

// PowerListener is implemented by components that react to power source
// changes (AC vs battery).
type PowerListener interface {
	PowerChanged(r profile.PowerReason) error
}

// BatteryListener is implemented by components that react to battery level
// changes.
type BatteryListener interface {
	BatteryChanged(percentage float64) error
}

// SleepListener is implemented by components that must act around system
// suspend and resume.
type SleepListener interface {
	PrepareToSleep(entering bool) error
}

// Closer is implemented by components that hold resources (file monitors,
// goroutines) that outlive a single call.
type Closer interface {
	Close()
}

// Events is the sink drivers use to notify the engine asynchronously.
// Implemented by the engine; delivery may happen on any goroutine.
type Events interface {
	// ProfileChanged reports an externally observed profile change, e.g.
	// firmware switching the platform profile behind the daemon's back.
	ProfileChanged(d Driver, p profile.Profile)
	// ProbeRequested asks for a full registration restart. Emitted by
	// deferred drivers once their hardware becomes usable.
	ProbeRequested(d Driver)
	// DegradedChanged reports a change of the driver's degradation state.
	DegradedChanged(d Driver)
}

// EventSource is implemented by drivers that emit events. Bind is called
// once before the driver is probed; a nil sink detaches it.
type EventSource interface {
	Bind(Events)
}

// Probe runs the component's probe if it has one. Components without a
// probe install unconditionally.
func Probe(c Component) profile.ProbeResult {
	if p, ok := c.(Prober); ok {
		return p.Probe()
	}
	return profile.ProbeSuccess
}

// Activate dispatches a profile transition to the component if it cares.
func Activate(c Component, p profile.Profile, reason profile.ActivationReason) error {
	if a, ok := c.(Activator); ok {
		return a.Activate(p, reason)
	}
	return nil
}

// PowerChanged dispatches a power source change to the component if it cares.
func PowerChanged(c Component, r profile.PowerReason) error {
	if l, ok := c.(PowerListener); ok {
		return l.PowerChanged(r)
	}
	return nil
}

// BatteryChanged dispatches a battery level change to the component if it cares.
func BatteryChanged(c Component, percentage float64) error {
	if l, ok := c.(BatteryListener); ok {
		return l.BatteryChanged(percentage)
	}
	return nil
}

// PrepareToSleep dispatches a suspend/resume notification to the component
// if it cares.
func PrepareToSleep(c Component, entering bool) error {
	if l, ok := c.(SleepListener); ok {
		return l.PrepareToSleep(entering)
	}
	return nil
}

// Close releases the component's resources if it holds any.
func Close(c Component) {
	if cl, ok := c.(Closer); ok {
		cl.Close()
	}
}
