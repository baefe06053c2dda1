package actions

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/sysfs"
)

const (
	drmDir         = "sys/class/drm"
	panelPowerFile = "amdgpu/panel_power_savings"
)

// AMDGPUPanelPower tunes the adaptive backlight level of eDP panels on AMD
// GPUs. The level tracks both the active profile and the battery state, so
// the action listens to power source and battery level changes and stays
// passive until the battery state is known.
type AMDGPUPanelPower struct {
	root string

	mu           sync.Mutex
	paths        []string
	current      profile.Profile
	power        profile.PowerReason
	battery      float64
	batteryKnown bool
}

// NewAMDGPUPanelPower constructs the action against the active sysfs root.
func NewAMDGPUPanelPower() component.Component {
	return &AMDGPUPanelPower{root: sysfs.Root(), current: profile.Balanced}
}

func (a *AMDGPUPanelPower) Name() string { return "amdgpu_panel_power" }

func (a *AMDGPUPanelPower) Description() string {
	return "Tunes the power savings level of eDP panels on AMD GPUs"
}

// Probe requires an AMD CPU and at least one eDP connector exposing the
// panel power savings knob.
func (a *AMDGPUPanelPower) Probe() profile.ProbeResult {
	if sysfs.CPUVendor(a.root) != sysfs.VendorAMD {
		return profile.ProbeFail
	}
	names, err := sysfs.ListDir(sysfs.Path(a.root, drmDir))
	if err != nil {
		return profile.ProbeFail
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "card") || !strings.Contains(name, "-eDP-") {
			continue
		}
		path := sysfs.Path(a.root, drmDir, name, panelPowerFile)
		if sysfs.Exists(path) {
			a.paths = append(a.paths, path)
		}
	}
	if len(a.paths) == 0 {
		return profile.ProbeFail
	}
	return profile.ProbeSuccess
}

func (a *AMDGPUPanelPower) Activate(p profile.Profile, reason profile.ActivationReason) error {
	a.mu.Lock()
	a.current = p
	a.mu.Unlock()
	return a.apply()
}

func (a *AMDGPUPanelPower) PowerChanged(r profile.PowerReason) error {
	a.mu.Lock()
	a.power = r
	a.mu.Unlock()
	return a.apply()
}

func (a *AMDGPUPanelPower) BatteryChanged(percentage float64) error {
	a.mu.Lock()
	a.battery = percentage
	a.batteryKnown = true
	a.mu.Unlock()
	return a.apply()
}

func (a *AMDGPUPanelPower) apply() error {
	a.mu.Lock()
	p := a.current
	power := a.power
	battery := a.battery
	known := a.batteryKnown
	a.mu.Unlock()

	var level int
	switch power {
	case profile.PowerUnknown:
		return nil
	case profile.PowerAC:
		level = 0
	case profile.PowerBattery:
		if !known {
			return nil
		}
		level = batteryLevel(p, battery)
	}

	value := strconv.Itoa(level)
	for _, path := range a.paths {
		if err := sysfs.WriteString(path, value); err != nil {
			return fmt.Errorf("set panel power savings: %w", err)
		}
	}
	return nil
}

// batteryLevel picks the savings level while on battery. Power-saver ramps
// the savings up as the battery drains; balanced only engages a mild level
// once the battery gets low; performance keeps the panel untouched.
func batteryLevel(p profile.Profile, battery float64) int {
	switch p {
	case profile.PowerSaver:
		switch {
		case battery >= 50:
			return 0
		case battery > 30:
			return 1
		case battery > 20:
			return 2
		default:
			return 3
		}
	case profile.Balanced:
		if battery >= 30 {
			return 0
		}
		return 1
	default:
		return 0
	}
}
