package drivers

import (
	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
)

// Placeholder is the fallback CPU driver. It always installs, supports the
// baseline profiles and touches no hardware, guaranteeing the daemon can
// start on machines without a supported scaling driver.
type Placeholder struct{}

// NewPlaceholder constructs the fallback driver.
func NewPlaceholder() component.Component {
	return &Placeholder{}
}

func (d *Placeholder) Name() string                { return "placeholder" }
func (d *Placeholder) Kind() component.Kind        { return component.KindCPU }
func (d *Placeholder) Profiles() profile.Profile   { return profile.Baseline }
func (d *Placeholder) PerformanceDegraded() string { return "" }
