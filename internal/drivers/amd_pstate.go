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
	amdPstateDir  = "sys/devices/system/cpu/amd_pstate"
	pmProfilePath = "sys/firmware/acpi/pm_profile"
)

// ACPI FADT preferred PM profiles that identify server machines. The driver
// declines those; amd_pstate EPP tuning targets mobile and desktop parts.
var serverPMProfiles = map[int]bool{4: true, 5: true, 7: true}

// amdPolicy holds the attribute paths of one cpufreq policy.
type amdPolicy struct {
	governor string
	epp      string
	boost    string // "" when the policy has no boost knob
	minFreq  string // scaling_min_freq, "" when unmanaged
	lowFreq  string // lowest nonlinear frequency value
	floorVal string // absolute minimum frequency value
}

// AMDPstate drives the amd_pstate scaling driver in active (EPP) mode. A
// failed write mid-iteration rolls the already-updated policies back to the
// previous profile so the package never leaves cores split across profiles.
type AMDPstate struct {
	root string

	mu       sync.Mutex
	policies []amdPolicy
	current  profile.Profile
}

// NewAMDPstate constructs the driver against the active sysfs root.
func NewAMDPstate() component.Component {
	return &AMDPstate{root: sysfs.Root(), current: profile.Balanced}
}

func (d *AMDPstate) Name() string                { return "amd_pstate" }
func (d *AMDPstate) Kind() component.Kind        { return component.KindCPU }
func (d *AMDPstate) Profiles() profile.Profile   { return profile.All }
func (d *AMDPstate) PerformanceDegraded() string { return "" }

// Probe requires an AMD CPU, amd_pstate in active mode, a non-server ACPI
// PM profile, and at least one policy exposing the EPP knob.
func (d *AMDPstate) Probe() profile.ProbeResult {
	if sysfs.CPUVendor(d.root) != sysfs.VendorAMD {
		return profile.ProbeFail
	}
	status, err := sysfs.ReadString(sysfs.Path(d.root, amdPstateDir, "status"))
	if err != nil || status != "active" {
		return profile.ProbeFail
	}
	if pm, err := sysfs.ReadInt(sysfs.Path(d.root, pmProfilePath)); err == nil && serverPMProfiles[pm] {
		log.Printf("drivers: amd_pstate declining server machine pm_profile=%d", pm)
		return profile.ProbeFail
	}

	names, err := sysfs.ListDir(sysfs.Path(d.root, cpufreqDir))
	if err != nil {
		return profile.ProbeFail
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "policy") {
			continue
		}
		dir := sysfs.Path(d.root, cpufreqDir, name)
		epp := sysfs.Path(dir, eppFile)
		if !sysfs.Exists(epp) {
			continue
		}
		pol := amdPolicy{
			governor: sysfs.Path(dir, "scaling_governor"),
			epp:      epp,
		}
		if boost := sysfs.Path(dir, "boost"); sysfs.Exists(boost) {
			pol.boost = boost
		}
		d.fillMinFreq(dir, &pol)
		d.policies = append(d.policies, pol)
	}
	if len(d.policies) == 0 {
		return profile.ProbeFail
	}
	return profile.ProbeSuccess
}

// fillMinFreq records the frequency floor values when the policy exposes
// them. Power-saver drops the floor to the absolute minimum; the other
// profiles keep it at the lowest nonlinear frequency for efficiency.
func (d *AMDPstate) fillMinFreq(dir string, pol *amdPolicy) {
	minFreq := sysfs.Path(dir, "scaling_min_freq")
	lowest, lerr := sysfs.ReadString(sysfs.Path(dir, "amd_pstate_lowest_nonlinear_freq"))
	floor, ferr := sysfs.ReadString(sysfs.Path(dir, "cpuinfo_min_freq"))
	if lerr != nil || ferr != nil || !sysfs.Exists(minFreq) {
		return
	}
	pol.minFreq = minFreq
	pol.lowFreq = lowest
	pol.floorVal = floor
}

// Activate applies the target profile to every policy, rolling back on the
// first failure.
func (d *AMDPstate) Activate(p profile.Profile, reason profile.ActivationReason) error {
	d.mu.Lock()
	prev := d.current
	d.mu.Unlock()

	for i, pol := range d.policies {
		if err := applyAMDPolicy(pol, p); err != nil {
			for j := 0; j < i; j++ {
				if rerr := applyAMDPolicy(d.policies[j], prev); rerr != nil {
					log.Printf("drivers: amd_pstate rollback failed err=%v", rerr)
				}
			}
			return err
		}
	}

	d.mu.Lock()
	d.current = p
	d.mu.Unlock()
	return nil
}

func applyAMDPolicy(pol amdPolicy, p profile.Profile) error {
	governor, epp, boost := amdValues(p)
	if err := sysfs.WriteString(pol.governor, governor); err != nil {
		return fmt.Errorf("set scaling governor: %w", err)
	}
	if err := sysfs.WriteString(pol.epp, epp); err != nil {
		return fmt.Errorf("set energy performance preference: %w", err)
	}
	if pol.boost != "" {
		if err := sysfs.WriteString(pol.boost, boost); err != nil {
			return fmt.Errorf("set boost: %w", err)
		}
	}
	if pol.minFreq != "" {
		value := pol.lowFreq
		if p == profile.PowerSaver {
			value = pol.floorVal
		}
		if err := sysfs.WriteString(pol.minFreq, value); err != nil {
			return fmt.Errorf("set minimum frequency: %w", err)
		}
	}
	return nil
}

func amdValues(p profile.Profile) (governor, epp, boost string) {
	switch p {
	case profile.PowerSaver:
		return "powersave", "power", "0"
	case profile.Performance:
		return "performance", "performance", "1"
	default:
		return "powersave", "balance_performance", "1"
	}
}
