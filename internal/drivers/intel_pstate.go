package drivers

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/sysfs"
)

const (
	cpuDir     = "sys/devices/system/cpu"
	cpufreqDir = "sys/devices/system/cpu/cpufreq"

	intelPstateDir = "sys/devices/system/cpu/intel_pstate"
	eppFile        = "energy_performance_preference"
	epbFile        = "power/energy_perf_bias"

	reasonHighTemp = "high-operating-temperature"
)

// IntelPstate drives the intel_pstate scaling driver through the per-policy
// energy/performance preference (EPP) and the per-CPU energy/performance
// bias (EPB). Balanced leans harder towards saving power while on battery.
type IntelPstate struct {
	root string

	mu        sync.Mutex
	events    component.Events
	eppPaths  []string
	epbPaths  []string
	current   profile.Profile
	onBattery bool
	noTurbo   bool

	monitors []*sysfs.Monitor
}

// NewIntelPstate constructs the driver against the active sysfs root.
func NewIntelPstate() component.Component {
	return &IntelPstate{root: sysfs.Root(), current: profile.Balanced}
}

func (d *IntelPstate) Name() string              { return "intel_pstate" }
func (d *IntelPstate) Kind() component.Kind      { return component.KindCPU }
func (d *IntelPstate) Profiles() profile.Profile { return profile.All }

func (d *IntelPstate) PerformanceDegraded() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noTurbo {
		return reasonHighTemp
	}
	return ""
}

func (d *IntelPstate) Bind(ev component.Events) {
	d.mu.Lock()
	d.events = ev
	d.mu.Unlock()
}

// Probe requires intel_pstate in active mode and at least one policy with
// an EPP knob. EPB is optional and managed where present.
func (d *IntelPstate) Probe() profile.ProbeResult {
	status, err := sysfs.ReadString(sysfs.Path(d.root, intelPstateDir, "status"))
	if err != nil || status != "active" {
		return profile.ProbeFail
	}

	policies, err := sysfs.ListDir(sysfs.Path(d.root, cpufreqDir))
	if err != nil {
		return profile.ProbeFail
	}
	for _, name := range policies {
		if !strings.HasPrefix(name, "policy") {
			continue
		}
		epp := sysfs.Path(d.root, cpufreqDir, name, eppFile)
		if !sysfs.Exists(epp) {
			continue
		}
		d.eppPaths = append(d.eppPaths, epp)

		// EPP is only honored under the powersave governor.
		gov := sysfs.Path(d.root, cpufreqDir, name, "scaling_governor")
		if sysfs.Exists(gov) {
			if err := sysfs.WriteString(gov, "powersave"); err != nil {
				log.Printf("drivers: intel_pstate could not set governor policy=%s err=%v", name, err)
			}
		}
	}
	if len(d.eppPaths) == 0 {
		return profile.ProbeFail
	}

	cpus, err := sysfs.ListDir(sysfs.Path(d.root, cpuDir))
	if err == nil {
		for _, name := range cpus {
			if !isCPUEntry(name) {
				continue
			}
			epb := sysfs.Path(d.root, cpuDir, name, epbFile)
			if sysfs.Exists(epb) {
				d.epbPaths = append(d.epbPaths, epb)
			}
		}
	}

	noTurboPath := sysfs.Path(d.root, intelPstateDir, "no_turbo")
	if sysfs.Exists(noTurboPath) {
		d.readNoTurbo(noTurboPath)
		m, err := sysfs.Watch(noTurboPath, func() { d.onNoTurboChanged(noTurboPath) })
		if err != nil {
			log.Printf("drivers: intel_pstate could not watch no_turbo err=%v", err)
		} else {
			d.monitors = append(d.monitors, m)
		}
	}

	return profile.ProbeSuccess
}

// Activate applies the EPP and EPB values for the target profile.
func (d *IntelPstate) Activate(p profile.Profile, reason profile.ActivationReason) error {
	d.mu.Lock()
	d.current = p
	d.mu.Unlock()
	return d.apply()
}

// PowerChanged re-tunes the balanced profile for the new power source.
func (d *IntelPstate) PowerChanged(r profile.PowerReason) error {
	d.mu.Lock()
	d.onBattery = r == profile.PowerBattery
	d.mu.Unlock()
	return d.apply()
}

// PrepareToSleep reapplies the tuning on resume; the EPB register does not
// survive suspend on all generations.
func (d *IntelPstate) PrepareToSleep(entering bool) error {
	if entering {
		return nil
	}
	d.mu.Lock()
	p := d.current
	d.mu.Unlock()
	return d.Activate(p, profile.ReasonResume)
}

func (d *IntelPstate) Close() {
	for _, m := range d.monitors {
		m.Close()
	}
	d.monitors = nil
}

func (d *IntelPstate) apply() error {
	d.mu.Lock()
	p := d.current
	onBattery := d.onBattery
	d.mu.Unlock()

	epp, epb := intelValues(p, onBattery)
	for _, path := range d.eppPaths {
		if err := sysfs.WriteString(path, epp); err != nil {
			return fmt.Errorf("set energy performance preference: %w", err)
		}
	}
	for _, path := range d.epbPaths {
		if err := sysfs.WriteString(path, epb); err != nil {
			return fmt.Errorf("set energy perf bias: %w", err)
		}
	}
	return nil
}

// intelValues maps a profile to the EPP token and EPB level.
func intelValues(p profile.Profile, onBattery bool) (epp, epb string) {
	switch p {
	case profile.PowerSaver:
		return "power", "15"
	case profile.Performance:
		return "performance", "0"
	default:
		if onBattery {
			return "balance_power", "8"
		}
		return "balance_performance", "6"
	}
}

func (d *IntelPstate) readNoTurbo(path string) {
	n, err := sysfs.ReadInt(path)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.noTurbo = n != 0
	d.mu.Unlock()
}

func (d *IntelPstate) onNoTurboChanged(path string) {
	n, err := sysfs.ReadInt(path)
	if err != nil {
		return
	}
	d.mu.Lock()
	changed := d.noTurbo != (n != 0)
	d.noTurbo = n != 0
	ev := d.events
	d.mu.Unlock()
	if changed && ev != nil {
		ev.DegradedChanged(d)
	}
}

// isCPUEntry matches cpu0, cpu1, ... but not cpufreq or cpuidle.
func isCPUEntry(name string) bool {
	if !strings.HasPrefix(name, "cpu") || len(name) == 3 {
		return false
	}
	for _, r := range name[3:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
