package actions

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/sysfs"
)

const dpmFile = "device/power_dpm_force_performance_level"

// AMDGPUDPM forces the GPU's dynamic power management level on AMD cards:
// "low" in power-saver, "auto" otherwise. Cards a user or tool has pinned
// to "manual" are left alone.
type AMDGPUDPM struct {
	root string

	mu    sync.Mutex
	paths []string
}

// NewAMDGPUDPM constructs the action against the active sysfs root.
func NewAMDGPUDPM() component.Component {
	return &AMDGPUDPM{root: sysfs.Root()}
}

func (a *AMDGPUDPM) Name() string { return "amdgpu_dpm" }

func (a *AMDGPUDPM) Description() string {
	return "Forces the DPM performance level of AMD GPUs"
}

// Probe requires an AMD CPU and at least one card exposing the DPM level.
func (a *AMDGPUDPM) Probe() profile.ProbeResult {
	if sysfs.CPUVendor(a.root) != sysfs.VendorAMD {
		return profile.ProbeFail
	}
	names, err := sysfs.ListDir(sysfs.Path(a.root, drmDir))
	if err != nil {
		return profile.ProbeFail
	}
	for _, name := range names {
		if !isCardEntry(name) {
			continue
		}
		path := sysfs.Path(a.root, drmDir, name, dpmFile)
		if sysfs.Exists(path) {
			a.paths = append(a.paths, path)
		}
	}
	if len(a.paths) == 0 {
		return profile.ProbeFail
	}
	return profile.ProbeSuccess
}

func (a *AMDGPUDPM) Activate(p profile.Profile, reason profile.ActivationReason) error {
	level := "auto"
	if p == profile.PowerSaver {
		level = "low"
	}

	a.mu.Lock()
	paths := a.paths
	a.mu.Unlock()

	for _, path := range paths {
		current, err := sysfs.ReadString(path)
		if err != nil {
			return fmt.Errorf("read DPM level: %w", err)
		}
		if current == "manual" {
			log.Printf("actions: amdgpu_dpm leaving manual card alone path=%s", path)
			continue
		}
		if err := sysfs.WriteString(path, level); err != nil {
			return fmt.Errorf("set DPM level: %w", err)
		}
	}
	return nil
}

// isCardEntry matches card0, card1, ... but not connector entries such as
// card0-eDP-1.
func isCardEntry(name string) bool {
	if !strings.HasPrefix(name, "card") || len(name) == 4 {
		return false
	}
	for _, r := range name[4:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
