package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/powerprofiles/daemon/internal/component"
	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/state"
)

type fakeDriver struct {
	name     string
	kind     component.Kind
	profiles profile.Profile
	degraded string
	probe    profile.ProbeResult

	activateErr func(profile.Profile) error

	mu        sync.Mutex
	events    component.Events
	activated []profile.Profile
	reasons   []profile.ActivationReason
	power     []profile.PowerReason
	battery   []float64
	sleep     []bool
	closed    bool
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Kind() component.Kind { return d.kind }

func (d *fakeDriver) Profiles() profile.Profile { return d.profiles }

func (d *fakeDriver) PerformanceDegraded() string { return d.degraded }

func (d *fakeDriver) Bind(ev component.Events) {
	d.mu.Lock()
	d.events = ev
	d.mu.Unlock()
}

func (d *fakeDriver) Probe() profile.ProbeResult { return d.probe }

func (d *fakeDriver) Activate(p profile.Profile, reason profile.ActivationReason) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activateErr != nil {
		if err := d.activateErr(p); err != nil {
			return err
		}
	}
	d.activated = append(d.activated, p)
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *fakeDriver) PowerChanged(r profile.PowerReason) error {
	d.mu.Lock()
	d.power = append(d.power, r)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) BatteryChanged(pct float64) error {
	d.mu.Lock()
	d.battery = append(d.battery, pct)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) PrepareToSleep(entering bool) error {
	d.mu.Lock()
	d.sleep = append(d.sleep, entering)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *fakeDriver) lastActivated() (profile.Profile, profile.ActivationReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.activated) == 0 {
		return 0, 0
	}
	return d.activated[len(d.activated)-1], d.reasons[len(d.reasons)-1]
}

type fakeAction struct {
	name  string
	probe profile.ProbeResult

	mu        sync.Mutex
	activated []profile.Profile
	power     []profile.PowerReason
	err       error
}

func (a *fakeAction) Name() string { return a.name }

func (a *fakeAction) Description() string { return a.name }

func (a *fakeAction) Probe() profile.ProbeResult { return a.probe }

func (a *fakeAction) Activate(p profile.Profile, _ profile.ActivationReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.activated = append(a.activated, p)
	return nil
}

func (a *fakeAction) PowerChanged(r profile.PowerReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.power = append(a.power, r)
	return nil
}

type releaseEvent struct {
	requester string
	iface     string
	cookie    uint32
}

type fakeNotifier struct {
	mu       sync.Mutex
	masks    []ChangeMask
	released []releaseEvent
}

func (n *fakeNotifier) Changed(mask ChangeMask) {
	n.mu.Lock()
	n.masks = append(n.masks, mask)
	n.mu.Unlock()
}

func (n *fakeNotifier) ProfileReleased(requester, iface string, cookie uint32) {
	n.mu.Lock()
	n.released = append(n.released, releaseEvent{requester, iface, cookie})
	n.mu.Unlock()
}

func (n *fakeNotifier) lastMask() ChangeMask {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.masks) == 0 {
		return 0
	}
	return n.masks[len(n.masks)-1]
}

type fakeWatcher struct {
	mu        sync.Mutex
	watched   map[uint32]string
	unwatched []uint32
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{watched: make(map[uint32]string)}
}

func (w *fakeWatcher) Watch(name string, cookie uint32) {
	w.mu.Lock()
	w.watched[cookie] = name
	w.mu.Unlock()
}

func (w *fakeWatcher) Unwatch(cookie uint32) {
	w.mu.Lock()
	w.unwatched = append(w.unwatched, cookie)
	delete(w.watched, cookie)
	w.mu.Unlock()
}

type fakeStore struct {
	mu    sync.Mutex
	saved state.Saved
	ok    bool
	log   []state.Saved
}

func (s *fakeStore) Load() (state.Saved, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, s.ok
}

func (s *fakeStore) Save(st state.Saved) error {
	s.mu.Lock()
	s.log = append(s.log, st)
	s.saved, s.ok = st, true
	s.mu.Unlock()
	return nil
}

type fakePower struct {
	mu     sync.Mutex
	needs  Needs
	starts int
	stops  int
	ctx    context.Context
}

func (p *fakePower) Start(ctx context.Context, needs Needs) {
	p.mu.Lock()
	p.needs = needs
	p.starts++
	p.ctx = ctx
	p.mu.Unlock()
}

func (p *fakePower) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func candidates(cs ...component.Component) []Candidate {
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		c := c
		out = append(out, func() component.Component { return c })
	}
	return out
}

func baselineDriver() *fakeDriver {
	return &fakeDriver{name: "cpu0", kind: component.KindCPU, profiles: profile.All}
}

func TestStartInstallsFirstDriverPerKind(t *testing.T) {
	first := &fakeDriver{name: "cpu-first", kind: component.KindCPU, profiles: profile.All}
	second := &fakeDriver{name: "cpu-second", kind: component.KindCPU, profiles: profile.All}
	platform := &fakeDriver{name: "plat", kind: component.KindPlatform, profiles: profile.All}

	n := &fakeNotifier{}
	e := New(Options{
		Candidates: candidates(first, second, platform),
		Notifier:   n,
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	snap := e.Snapshot()
	if len(snap.Profiles) != 3 {
		t.Fatalf("profiles=%d want 3", len(snap.Profiles))
	}
	for _, info := range snap.Profiles {
		if info.CPUDriver != "cpu-first" {
			t.Fatalf("cpu driver=%s want cpu-first", info.CPUDriver)
		}
		if info.Driver != "multiple" {
			t.Fatalf("legacy driver=%s want multiple", info.Driver)
		}
	}
	if !second.closed {
		t.Fatal("expected losing driver to be closed")
	}
	if n.lastMask() != ChangeAll {
		t.Fatalf("mask=%b want all", n.lastMask())
	}
}

func TestStartSkipsBlockedAndFailedProbes(t *testing.T) {
	blocked := &fakeDriver{name: "blocked", kind: component.KindCPU, profiles: profile.All}
	failed := &fakeDriver{name: "failed", kind: component.KindCPU, profiles: profile.All, probe: profile.ProbeFail}
	fallback := baselineDriver()
	blockedAction := &fakeAction{name: "noisy"}
	action := &fakeAction{name: "quiet"}

	e := New(Options{
		Candidates:     candidates(blocked, failed, fallback, blockedAction, action),
		BlockedDrivers: []string{"blocked"},
		BlockedActions: []string{"noisy"},
		Notifier:       &fakeNotifier{},
		Watcher:        newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	snap := e.Snapshot()
	if len(snap.Actions) != 1 || snap.Actions[0] != "quiet" {
		t.Fatalf("actions=%v want [quiet]", snap.Actions)
	}
	if snap.Profiles[0].CPUDriver != "cpu0" {
		t.Fatalf("cpu driver=%s want cpu0", snap.Profiles[0].CPUDriver)
	}
}

func TestStartRejectsInvalidProfileSet(t *testing.T) {
	invalid := &fakeDriver{name: "bogus", kind: component.KindCPU, profiles: profile.Profile(1 << 6)}
	fallback := baselineDriver()

	e := New(Options{
		Candidates: candidates(invalid, fallback),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if e.Snapshot().Profiles[0].CPUDriver != "cpu0" {
		t.Fatal("expected invalid driver to be skipped")
	}
}

func TestStartFailsWithoutBaselineCoverage(t *testing.T) {
	perfOnly := &fakeDriver{name: "perf-only", kind: component.KindPlatform, profiles: profile.Performance}

	e := New(Options{
		Candidates: candidates(perfOnly),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	err := e.Start()
	if err == nil {
		t.Fatal("expected baseline failure")
	}
	if !daemonErrors.IsCode(err, daemonErrors.CodeRegistrationNoBaseline) {
		t.Fatalf("code=%s want registration.no_baseline", daemonErrors.GetCode(err))
	}
}

func TestStartFailsWithNoDrivers(t *testing.T) {
	e := New(Options{
		Candidates: candidates(&fakeAction{name: "only-action"}),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); !daemonErrors.IsCode(err, daemonErrors.CodeRegistrationNoBaseline) {
		t.Fatalf("err=%v want registration.no_baseline", err)
	}
}

func TestDeferredDriverTriggersRestart(t *testing.T) {
	attempt := 0
	var deferred *fakeDriver
	platformCandidate := func() component.Component {
		attempt++
		probe := profile.ProbeDefer
		if attempt > 1 {
			probe = profile.ProbeSuccess
		}
		deferred = &fakeDriver{name: "plat", kind: component.KindPlatform, profiles: profile.All, probe: probe}
		return deferred
	}
	cpuCandidate := func() component.Component { return baselineDriver() }

	e := New(Options{
		Candidates: []Candidate{platformCandidate, cpuCandidate},
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if e.Snapshot().Profiles[0].PlatformDriver != "" {
		t.Fatal("deferred driver should not be installed yet")
	}

	first := deferred
	first.mu.Lock()
	ev := first.events
	first.mu.Unlock()
	if ev == nil {
		t.Fatal("deferred driver should stay bound to the engine")
	}

	// Synchronous restart stands in for the async probe request.
	e.Restart()

	if got := e.Snapshot().Profiles[0].PlatformDriver; got != "plat" {
		t.Fatalf("platform driver=%q want plat after restart", got)
	}
	if !first.closed {
		t.Fatal("previous deferred instance should be closed on restart")
	}
}

func TestStartComputesCollaboratorNeeds(t *testing.T) {
	cpu := baselineDriver() // implements power, battery and sleep
	power := &fakePower{}

	e := New(Options{
		Candidates: candidates(cpu),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
		Power:      power,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if power.starts != 1 {
		t.Fatalf("starts=%d want 1", power.starts)
	}
	if !power.needs.PowerSource || !power.needs.BatteryLevel || !power.needs.Suspend {
		t.Fatalf("needs=%+v want all true", power.needs)
	}

	e.Stop()
	if power.stops != 1 {
		t.Fatalf("stops=%d want 1", power.stops)
	}
	select {
	case <-power.ctx.Done():
	default:
		t.Fatal("expected generation context cancelled on stop")
	}
}

func TestSetActiveProfile(t *testing.T) {
	cpu := baselineDriver()
	store := &fakeStore{}
	n := &fakeNotifier{}

	e := New(Options{
		Candidates: candidates(cpu),
		Notifier:   n,
		Watcher:    newFakeWatcher(),
		Store:      store,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// The reset activation must not persist anything.
	if len(store.log) != 0 {
		t.Fatalf("saves=%d want 0 after reset", len(store.log))
	}

	if err := e.SetActiveProfile("performance"); err != nil {
		t.Fatalf("SetActiveProfile error: %v", err)
	}
	if got := e.ActiveProfile(); got != profile.Performance {
		t.Fatalf("active=%s want performance", got)
	}
	p, reason := cpu.lastActivated()
	if p != profile.Performance || reason != profile.ReasonUser {
		t.Fatalf("driver saw %s/%s want performance/user", p, reason)
	}
	if len(store.log) != 1 || store.log[0].Profile != "performance" || store.log[0].CPUDriver != "cpu0" {
		t.Fatalf("store log=%+v", store.log)
	}
	if n.lastMask()&ChangedActiveProfile == 0 {
		t.Fatal("expected ActiveProfile in change mask")
	}
}

func TestSetActiveProfileValidation(t *testing.T) {
	cpu := &fakeDriver{name: "cpu0", kind: component.KindCPU, profiles: profile.Baseline}
	e := New(Options{
		Candidates: candidates(cpu),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	err := e.SetActiveProfile("turbo")
	if !daemonErrors.IsCode(err, daemonErrors.CodeValidationUnknownProfile) {
		t.Fatalf("err=%v want validation.unknown_profile", err)
	}

	err = e.SetActiveProfile("performance")
	if !daemonErrors.IsCode(err, daemonErrors.CodeValidationProfileUnavailable) {
		t.Fatalf("err=%v want validation.profile_unavailable", err)
	}
}

func TestPlatformFailureRevertsCPU(t *testing.T) {
	cpu := baselineDriver()
	platform := &fakeDriver{
		name:     "plat",
		kind:     component.KindPlatform,
		profiles: profile.All,
		activateErr: func(p profile.Profile) error {
			if p == profile.Performance {
				return errors.New("firmware rejected")
			}
			return nil
		},
	}
	store := &fakeStore{}

	e := New(Options{
		Candidates: candidates(cpu, platform),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
		Store:      store,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	err := e.SetActiveProfile("performance")
	if !daemonErrors.IsCode(err, daemonErrors.CodeDriverActivateFailed) {
		t.Fatalf("err=%v want driver.activate_failed", err)
	}
	if got := e.ActiveProfile(); got != profile.Balanced {
		t.Fatalf("active=%s want balanced after failure", got)
	}
	// CPU saw performance, then the revert back to balanced.
	p, reason := cpu.lastActivated()
	if p != profile.Balanced || reason != profile.ReasonInternal {
		t.Fatalf("revert saw %s/%s want balanced/internal", p, reason)
	}
	if len(store.log) != 0 {
		t.Fatal("failed transition must not be persisted")
	}
}

func TestActionFailuresAreAdvisory(t *testing.T) {
	cpu := baselineDriver()
	broken := &fakeAction{name: "broken", err: errors.New("nope")}

	e := New(Options{
		Candidates: candidates(cpu, broken),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := e.SetActiveProfile("power-saver"); err != nil {
		t.Fatalf("SetActiveProfile error: %v", err)
	}
	if got := e.ActiveProfile(); got != profile.PowerSaver {
		t.Fatalf("active=%s want power-saver", got)
	}
}

func TestSavedStateAppliedOnDriverMatch(t *testing.T) {
	store := &fakeStore{
		saved: state.Saved{CPUDriver: "cpu0", Profile: "performance"},
		ok:    true,
	}
	e := New(Options{
		Candidates: candidates(baselineDriver()),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
		Store:      store,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if got := e.ActiveProfile(); got != profile.Performance {
		t.Fatalf("active=%s want performance from saved state", got)
	}
}

func TestSavedStateIgnoredOnDriverMismatch(t *testing.T) {
	store := &fakeStore{
		saved: state.Saved{CPUDriver: "other-cpu", Profile: "performance"},
		ok:    true,
	}
	e := New(Options{
		Candidates: candidates(baselineDriver()),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
		Store:      store,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if got := e.ActiveProfile(); got != profile.Balanced {
		t.Fatalf("active=%s want balanced default", got)
	}
}

func TestPowerEventsPropagateWithIsolation(t *testing.T) {
	cpu := baselineDriver()
	broken := &fakeAction{name: "broken", err: errors.New("nope")}
	working := &fakeAction{name: "working"}

	e := New(Options{
		Candidates: candidates(cpu, broken, working),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	e.PowerSourceChanged(true)

	working.mu.Lock()
	got := append([]profile.PowerReason(nil), working.power...)
	working.mu.Unlock()
	if len(got) != 1 || got[0] != profile.PowerBattery {
		t.Fatalf("working action power=%v want [battery]", got)
	}
	cpu.mu.Lock()
	dgot := append([]profile.PowerReason(nil), cpu.power...)
	cpu.mu.Unlock()
	if len(dgot) != 1 || dgot[0] != profile.PowerBattery {
		t.Fatalf("driver power=%v want [battery]", dgot)
	}

	// Same reason again is not re-broadcast.
	e.PowerSourceChanged(true)
	cpu.mu.Lock()
	count := len(cpu.power)
	cpu.mu.Unlock()
	if count != 1 {
		t.Fatalf("driver power events=%d want 1", count)
	}
}

func TestStopResetsPowerReason(t *testing.T) {
	cpu := baselineDriver()
	e := New(Options{
		Candidates: candidates(cpu),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	e.PowerSourceChanged(false)

	e.Stop()

	cpu.mu.Lock()
	got := append([]profile.PowerReason(nil), cpu.power...)
	closed := cpu.closed
	cpu.mu.Unlock()
	if len(got) != 2 || got[1] != profile.PowerUnknown {
		t.Fatalf("power=%v want [ac unknown]", got)
	}
	if !closed {
		t.Fatal("expected driver closed on stop")
	}
}

func TestPrepareForSleepReachesDriversOnly(t *testing.T) {
	cpu := baselineDriver()
	action := &fakeAction{name: "act"}
	e := New(Options{
		Candidates: candidates(cpu, action),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	e.PrepareForSleep(true)
	e.PrepareForSleep(false)

	cpu.mu.Lock()
	got := append([]bool(nil), cpu.sleep...)
	cpu.mu.Unlock()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("sleep=%v want [true false]", got)
	}
}

func TestDriverProfileChangedFollowsAndPersists(t *testing.T) {
	cpu := baselineDriver()
	store := &fakeStore{}
	e := New(Options{
		Candidates: candidates(cpu),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
		Store:      store,
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	e.ProfileChanged(cpu, profile.Performance)

	if got := e.ActiveProfile(); got != profile.Performance {
		t.Fatalf("active=%s want performance", got)
	}
	if len(store.log) != 1 || store.log[0].Profile != "performance" {
		t.Fatalf("store log=%+v want one performance save", store.log)
	}
}

func TestSnapshotDegradedAggregation(t *testing.T) {
	cpu := &fakeDriver{name: "cpu0", kind: component.KindCPU, profiles: profile.All, degraded: "high-operating-temperature"}
	platform := &fakeDriver{name: "plat", kind: component.KindPlatform, profiles: profile.All, degraded: "lap-detected"}

	e := New(Options{
		Candidates: candidates(cpu, platform),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	snap := e.Snapshot()
	if snap.PerformanceDegraded != "high-operating-temperature,lap-detected" {
		t.Fatalf("degraded=%q", snap.PerformanceDegraded)
	}
}

func TestSnapshotDegradedIgnoredWithoutPerformance(t *testing.T) {
	cpu := &fakeDriver{name: "cpu0", kind: component.KindCPU, profiles: profile.Baseline, degraded: "lap-detected"}
	platform := &fakeDriver{name: "plat", kind: component.KindPlatform, profiles: profile.All}

	e := New(Options{
		Candidates: candidates(cpu, platform),
		Notifier:   &fakeNotifier{},
		Watcher:    newFakeWatcher(),
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if got := e.Snapshot().PerformanceDegraded; got != "" {
		t.Fatalf("degraded=%q want empty", got)
	}
}
