package engine

import (
	"log"

	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
)

// The engine is the event sink for drivers (component.Events) and for the
// power monitor. All callbacks may arrive on arbitrary goroutines.

// ProfileChanged handles a driver reporting an external profile switch,
// e.g. firmware reacting to a hardware slider. The engine re-coordinates
// all components onto the observed profile and persists it.
func (e *Engine) ProfileChanged(d component.Driver, p profile.Profile) {
	e.mu.Lock()
	debugf("engine: driver switched internally name=%s profile=%s current=%s", d.Name(), p, e.active)
	if p == e.active {
		e.mu.Unlock()
		return
	}
	// The user's selection is untouched: releasing the last hold must fall
	// back to what the user chose, not to a firmware-initiated switch.
	var mask ChangeMask
	if err := e.activateLocked(p, profile.ReasonInternal); err != nil {
		log.Printf("engine: failed to follow driver profile change err=%v", err)
	} else {
		mask = ChangedActiveProfile
	}
	e.mu.Unlock()
	e.emit(mask, nil)
}

// ProbeRequested restarts the registration pass on behalf of a deferred
// driver. Runs asynchronously so a driver may emit it from any context.
func (e *Engine) ProbeRequested(d component.Driver) {
	debugf("engine: probe requested by driver name=%s", d.Name())
	go e.Restart()
}

// DegradedChanged re-broadcasts a driver's performance degradation state.
// Only drivers that offer the performance profile can degrade it.
func (e *Engine) DegradedChanged(d component.Driver) {
	e.mu.Lock()
	if !d.Profiles().Has(profile.Performance) {
		log.Printf("engine: ignored degradation change on non-performance driver name=%s", d.Name())
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.emit(ChangedDegraded, nil)
}

// PowerSourceChanged records the AC/battery state reported by UPower and
// fans it out to every installed component.
func (e *Engine) PowerSourceChanged(onBattery bool) {
	reason := profile.PowerAC
	if onBattery {
		reason = profile.PowerBattery
	}
	e.mu.Lock()
	e.setPowerReasonLocked(reason)
	e.mu.Unlock()
}

// PowerSourceUnknown resets the power state, e.g. when UPower vanishes
// from the bus.
func (e *Engine) PowerSourceUnknown() {
	e.mu.Lock()
	e.setPowerReasonLocked(profile.PowerUnknown)
	e.mu.Unlock()
}

// setPowerReasonLocked propagates a power source change in registration
// order with per-component error isolation.
func (e *Engine) setPowerReasonLocked(reason profile.PowerReason) {
	if e.powerReason == reason {
		return
	}
	e.powerReason = reason
	log.Printf("engine: power source changed reason=%s", reason)

	for _, a := range e.actions {
		if err := component.PowerChanged(a, reason); err != nil {
			log.Printf("engine: failed to update action name=%s err=%v", a.Name(), err)
		}
	}
	if e.cpu != nil {
		if err := component.PowerChanged(e.cpu, reason); err != nil {
			log.Printf("engine: failed to update driver name=%s err=%v", e.cpu.Name(), err)
		}
	}
	if e.platform != nil {
		if err := component.PowerChanged(e.platform, reason); err != nil {
			log.Printf("engine: failed to update driver name=%s err=%v", e.platform.Name(), err)
		}
	}
}

// BatteryLevelChanged fans a battery percentage change out to every
// installed component.
func (e *Engine) BatteryLevelChanged(percentage float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	debugf("engine: battery level changed percentage=%f", percentage)
	e.battery = percentage
	e.hasBattery = true

	for _, a := range e.actions {
		if err := component.BatteryChanged(a, percentage); err != nil {
			log.Printf("engine: failed to update action name=%s err=%v", a.Name(), err)
		}
	}
	if e.cpu != nil {
		if err := component.BatteryChanged(e.cpu, percentage); err != nil {
			log.Printf("engine: failed to update driver name=%s err=%v", e.cpu.Name(), err)
		}
	}
	if e.platform != nil {
		if err := component.BatteryChanged(e.platform, percentage); err != nil {
			log.Printf("engine: failed to update driver name=%s err=%v", e.platform.Name(), err)
		}
	}
}

// PrepareForSleep notifies the installed drivers around system suspend.
func (e *Engine) PrepareForSleep(entering bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entering {
		debugf("engine: system preparing for suspend")
	} else {
		debugf("engine: system woke up from suspend")
	}

	if e.cpu != nil {
		if err := component.PrepareToSleep(e.cpu, entering); err != nil {
			log.Printf("engine: failed to notify driver name=%s err=%v", e.cpu.Name(), err)
		}
	}
	if e.platform != nil {
		if err := component.PrepareToSleep(e.platform, entering); err != nil {
			log.Printf("engine: failed to notify driver name=%s err=%v", e.platform.Name(), err)
		}
	}
}
