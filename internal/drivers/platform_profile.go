// Package drivers contains the hardware drivers installed by the engine.
// Every driver resolves its attribute files under the overridable sysfs
// root, so the whole set can be exercised against a temporary tree.
package drivers

import (
	"log"
	"strings"
	"sync"

	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/sysfs"
)

const (
	acpiDir          = "sys/firmware/acpi"
	acpiProfileFile  = "platform_profile"
	acpiChoicesFile  = "platform_profile_choices"
	dytcLapmodePath  = "sys/devices/platform/thinkpad_acpi/dytc_lapmode"
	reasonLapDetect  = "lap-detected"
	acpiBalanced     = "balanced"
	acpiPerformance  = "performance"
	acpiLowPower     = "low-power"
	acpiQuiet        = "quiet"
)

// PlatformProfile drives the ACPI platform_profile interface. Firmware or
// other tools may change the profile behind the daemon's back; the driver
// watches the attribute file and reports external switches.
type PlatformProfile struct {
	root string

	mu       sync.Mutex
	events   component.Events
	profiles profile.Profile
	lowPower string // ACPI token backing power-saver, "" when emulated
	current  string // last ACPI token written or observed
	lapmode  bool

	monitors []*sysfs.Monitor
}

// NewPlatformProfile constructs the driver against the active sysfs root.
func NewPlatformProfile() component.Component {
	return &PlatformProfile{root: sysfs.Root()}
}

func (d *PlatformProfile) Name() string         { return "platform_profile" }
func (d *PlatformProfile) Kind() component.Kind { return component.KindPlatform }

func (d *PlatformProfile) Profiles() profile.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profiles
}

func (d *PlatformProfile) PerformanceDegraded() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lapmode {
		return reasonLapDetect
	}
	return ""
}

func (d *PlatformProfile) Bind(ev component.Events) {
	d.mu.Lock()
	d.events = ev
	d.mu.Unlock()
}

func (d *PlatformProfile) profilePath() string {
	return sysfs.Path(d.root, acpiDir, acpiProfileFile)
}

func (d *PlatformProfile) choicesPath() string {
	return sysfs.Path(d.root, acpiDir, acpiChoicesFile)
}

// Probe inspects the advertised choices. Hardware that has not finished
// loading its platform module yet defers and asks for a re-probe once the
// choices appear or change.
func (d *PlatformProfile) Probe() profile.ProbeResult {
	choices, err := sysfs.ReadString(d.choicesPath())
	if err != nil {
		if !sysfs.Exists(sysfs.Path(d.root, acpiDir)) {
			return profile.ProbeFail
		}
		d.watch(sysfs.Path(d.root, acpiDir), d.onChoicesChanged)
		return profile.ProbeDefer
	}

	have := map[string]bool{}
	for _, c := range strings.Fields(choices) {
		have[c] = true
	}
	if !have[acpiBalanced] || !have[acpiPerformance] {
		// Some firmware exposes a partial set until fully initialized.
		d.watch(d.choicesPath(), d.onChoicesChanged)
		return profile.ProbeDefer
	}

	lowPower := ""
	switch {
	case have[acpiLowPower]:
		lowPower = acpiLowPower
	case have[acpiQuiet]:
		lowPower = acpiQuiet
	}

	current, err := sysfs.ReadString(d.profilePath())
	if err != nil {
		log.Printf("drivers: platform_profile choices present but profile unreadable err=%v", err)
		return profile.ProbeFail
	}

	d.mu.Lock()
	d.lowPower = lowPower
	// Power-saver is offered even without a low-power choice; it is then
	// emulated by writing the balanced token.
	d.profiles = profile.All
	d.current = current
	d.mu.Unlock()

	d.watch(d.profilePath(), d.onProfileFileChanged)

	lapmodePath := sysfs.Path(d.root, dytcLapmodePath)
	if sysfs.Exists(lapmodePath) {
		d.readLapmode(lapmodePath)
		d.watch(lapmodePath, func() { d.onLapmodeChanged(lapmodePath) })
	}

	return profile.ProbeSuccess
}

// Activate writes the ACPI token for the target profile.
func (d *PlatformProfile) Activate(p profile.Profile, reason profile.ActivationReason) error {
	token := d.toACPI(p)
	if err := sysfs.WriteString(d.profilePath(), token); err != nil {
		return err
	}
	d.mu.Lock()
	d.current = token
	d.mu.Unlock()
	return nil
}

func (d *PlatformProfile) Close() {
	for _, m := range d.monitors {
		m.Close()
	}
	d.monitors = nil
}

func (d *PlatformProfile) watch(path string, fn func()) {
	m, err := sysfs.Watch(path, fn)
	if err != nil {
		log.Printf("drivers: platform_profile could not watch %s err=%v", path, err)
		return
	}
	d.monitors = append(d.monitors, m)
}

// onChoicesChanged fires while the driver is deferred. Once a usable choice
// set appears, a full re-registration is requested.
func (d *PlatformProfile) onChoicesChanged() {
	choices, err := sysfs.ReadString(d.choicesPath())
	if err != nil {
		return
	}
	have := map[string]bool{}
	for _, c := range strings.Fields(choices) {
		have[c] = true
	}
	if !have[acpiBalanced] || !have[acpiPerformance] {
		return
	}
	d.mu.Lock()
	ev := d.events
	d.mu.Unlock()
	if ev != nil {
		ev.ProbeRequested(d)
	}
}

// onProfileFileChanged reports profile switches made outside the daemon.
// The driver's own writes are filtered out by comparing against the last
// token it committed.
func (d *PlatformProfile) onProfileFileChanged() {
	current, err := sysfs.ReadString(d.profilePath())
	if err != nil {
		return
	}
	d.mu.Lock()
	if current == d.current {
		d.mu.Unlock()
		return
	}
	d.current = current
	ev := d.events
	p, ok := d.fromACPILocked(current)
	d.mu.Unlock()

	if ok && ev != nil {
		log.Printf("drivers: platform_profile changed externally value=%s", current)
		ev.ProfileChanged(d, p)
	}
}

func (d *PlatformProfile) readLapmode(path string) {
	n, err := sysfs.ReadInt(path)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.lapmode = n != 0
	d.mu.Unlock()
}

func (d *PlatformProfile) onLapmodeChanged(path string) {
	n, err := sysfs.ReadInt(path)
	if err != nil {
		return
	}
	d.mu.Lock()
	changed := d.lapmode != (n != 0)
	d.lapmode = n != 0
	ev := d.events
	d.mu.Unlock()
	if changed && ev != nil {
		ev.DegradedChanged(d)
	}
}

func (d *PlatformProfile) toACPI(p profile.Profile) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch p {
	case profile.PowerSaver:
		if d.lowPower == "" {
			return acpiBalanced
		}
		return d.lowPower
	case profile.Performance:
		return acpiPerformance
	default:
		return acpiBalanced
	}
}

func (d *PlatformProfile) fromACPILocked(token string) (profile.Profile, bool) {
	switch token {
	case acpiBalanced:
		return profile.Balanced, true
	case acpiPerformance:
		return profile.Performance, true
	case d.lowPower:
		if d.lowPower != "" {
			return profile.PowerSaver, true
		}
	}
	return 0, false
}
