// Package actions contains the side-effect components installed alongside
// the drivers. Actions never veto a transition; the engine logs their
// errors and moves on.
package actions

import (
	"fmt"
	"log"
	"sync"

	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/sysfs"
)

const (
	powerSupplyDir = "sys/class/power_supply"
	chargeTypeFile = "charge_type"
	scopeFile      = "scope"
)

// TrickleCharge switches peripheral batteries (scope "Device") between
// trickle and fast charging. The supply directory is watched so devices
// plugged in after startup pick up the active profile's charge type.
type TrickleCharge struct {
	root string

	mu      sync.Mutex
	current profile.Profile
	monitor *sysfs.Monitor
}

// NewTrickleCharge constructs the action against the active sysfs root.
func NewTrickleCharge() component.Component {
	return &TrickleCharge{root: sysfs.Root(), current: profile.Balanced}
}

func (a *TrickleCharge) Name() string { return "trickle_charge" }

func (a *TrickleCharge) Description() string {
	return "Configures the charge type of peripheral batteries"
}

// Probe only requires the power supply class directory; managed devices
// may appear later through hotplug.
func (a *TrickleCharge) Probe() profile.ProbeResult {
	dir := sysfs.Path(a.root, powerSupplyDir)
	if !sysfs.Exists(dir) {
		return profile.ProbeFail
	}
	m, err := sysfs.Watch(dir, a.onSupplyChanged)
	if err != nil {
		log.Printf("actions: trickle_charge could not watch %s err=%v", dir, err)
	} else {
		a.monitor = m
	}
	return profile.ProbeSuccess
}

func (a *TrickleCharge) Activate(p profile.Profile, reason profile.ActivationReason) error {
	a.mu.Lock()
	a.current = p
	a.mu.Unlock()
	return a.apply(p)
}

func (a *TrickleCharge) Close() {
	if a.monitor != nil {
		a.monitor.Close()
		a.monitor = nil
	}
}

// onSupplyChanged reapplies the charge type after a hotplug so new devices
// match the active profile.
func (a *TrickleCharge) onSupplyChanged() {
	a.mu.Lock()
	p := a.current
	a.mu.Unlock()
	if err := a.apply(p); err != nil {
		log.Printf("actions: trickle_charge hotplug reapply failed err=%v", err)
	}
}

func (a *TrickleCharge) apply(p profile.Profile) error {
	chargeType := "Fast"
	if p == profile.PowerSaver {
		chargeType = "Trickle"
	}

	names, err := sysfs.ListDir(sysfs.Path(a.root, powerSupplyDir))
	if err != nil {
		return err
	}
	for _, name := range names {
		dir := sysfs.Path(a.root, powerSupplyDir, name)
		scope, err := sysfs.ReadString(sysfs.Path(dir, scopeFile))
		if err != nil || scope != "Device" {
			continue
		}
		target := sysfs.Path(dir, chargeTypeFile)
		if !sysfs.Exists(target) {
			continue
		}
		if err := sysfs.WriteString(target, chargeType); err != nil {
			return fmt.Errorf("set charge type of %s: %w", name, err)
		}
	}
	return nil
}
