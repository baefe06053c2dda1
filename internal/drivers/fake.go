package drivers

import (
	"os"
	"sync"

	"github.com/powerprofiles/daemon/internal/component"
	"github.com/powerprofiles/daemon/internal/profile"
)

// FakeDriverEnv enables the fake platform driver when set to "1". Used for
// manual testing of the full daemon without platform hardware.
const FakeDriverEnv = "POWER_PROFILE_DAEMON_FAKE_DRIVER"

// Fake is a platform driver whose events are driven programmatically.
type Fake struct {
	mu       sync.Mutex
	events   component.Events
	current  profile.Profile
	degraded string
}

// NewFake constructs the fake driver. It only probes successfully when
// FakeDriverEnv is set.
func NewFake() component.Component {
	return &Fake{current: profile.Balanced}
}

func (d *Fake) Name() string                { return "fake" }
func (d *Fake) Kind() component.Kind        { return component.KindPlatform }
func (d *Fake) Profiles() profile.Profile   { return profile.All }

func (d *Fake) PerformanceDegraded() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

func (d *Fake) Bind(ev component.Events) {
	d.mu.Lock()
	d.events = ev
	d.mu.Unlock()
}

func (d *Fake) Probe() profile.ProbeResult {
	if os.Getenv(FakeDriverEnv) != "1" {
		return profile.ProbeFail
	}
	return profile.ProbeSuccess
}

func (d *Fake) Activate(p profile.Profile, reason profile.ActivationReason) error {
	d.mu.Lock()
	d.current = p
	d.mu.Unlock()
	return nil
}

// Current returns the last activated profile.
func (d *Fake) Current() profile.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// EmitProfileChanged simulates firmware switching the profile externally.
func (d *Fake) EmitProfileChanged(p profile.Profile) {
	d.mu.Lock()
	d.current = p
	ev := d.events
	d.mu.Unlock()
	if ev != nil {
		ev.ProfileChanged(d, p)
	}
}

// SetDegraded simulates a degradation state change.
func (d *Fake) SetDegraded(reason string) {
	d.mu.Lock()
	d.degraded = reason
	ev := d.events
	d.mu.Unlock()
	if ev != nil {
		ev.DegradedChanged(d)
	}
}
