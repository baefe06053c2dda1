// Package engine is the orchestration core of the daemon: it probes and
// installs drivers and actions, coordinates profile transitions across them,
// arbitrates profile holds and fans out power source events.
//
// All engine state is guarded by one mutex. The D-Bus layer calls in from
// whatever goroutine the bus library uses; the engine serializes everything
// and performs its outbound notifications after dropping the lock, so the
// collaborators passed in Options are never re-entered while it is held.
package engine

import (
	"context"
	"log"
	"sync"

	"github.com/powerprofiles/daemon/internal/component"
	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/state"
)

// Verbose enables debug-level log lines. Set once at startup.
var Verbose bool

func debugf(format string, args ...any) {
	if Verbose {
		log.Printf(format, args...)
	}
}

// Candidate constructs a fresh component instance. The engine instantiates
// candidates anew on every registration pass.
type Candidate func() component.Component

// Notifier receives batched property-change notifications and per-hold
// release signals. Implementations must not call back into the engine.
type Notifier interface {
	Changed(mask ChangeMask)
	ProfileReleased(requester, iface string, cookie uint32)
}

// Watcher tracks the bus presence of hold requesters. When a watched name
// vanishes the watcher reports it through the callback given at engine
// construction, from its own goroutine. Implementations must not call back
// into the engine from Watch or Unwatch.
type Watcher interface {
	Watch(name string, cookie uint32)
	Unwatch(cookie uint32)
}

// StateStore persists the last committed profile together with the driver
// identities that produced it.
type StateStore interface {
	// Load returns the saved state, reporting ok=false when nothing
	// usable is persisted.
	Load() (st state.Saved, ok bool)
	Save(st state.Saved) error
}

// Recorder keeps the transition audit trail. Failures are logged by the
// engine and never affect a transition.
type Recorder interface {
	RecordTransition(profileName, reason, previous string) error
}

// Needs tells the power monitor which external collaborators the installed
// component set actually requires.
type Needs struct {
	PowerSource  bool
	BatteryLevel bool
	Suspend      bool
}

// Any reports whether any collaborator is needed at all.
func (n Needs) Any() bool { return n.PowerSource || n.BatteryLevel || n.Suspend }

// PowerMonitor is the engine's handle on the UPower/logind collaborators.
// Start subscribes according to needs; the context is cancelled before the
// next registration pass.
type PowerMonitor interface {
	Start(ctx context.Context, needs Needs)
	Stop()
}

// Options wires the engine to its collaborators. Notifier and Watcher are
// required; the rest may be nil.
type Options struct {
	Candidates     []Candidate
	BlockedDrivers []string
	BlockedActions []string

	Notifier Notifier
	Watcher  Watcher
	Store    StateStore
	Recorder Recorder
	Power    PowerMonitor

	Version string

	// OnFatal is invoked when a registration restart fails its baseline
	// check. The daemon is expected to shut down.
	OnFatal func(error)
}

// Engine is the process-wide orchestrator. Create with New, then Start once
// the IPC surface is ready to broadcast.
type Engine struct {
	mu sync.Mutex

	candidates     []Candidate
	blockedDrivers map[string]bool
	blockedActions map[string]bool

	notifier Notifier
	watcher  Watcher
	store    StateStore
	recorder Recorder
	power    PowerMonitor
	version  string
	onFatal  func(error)

	cancel context.CancelFunc

	cpu      component.Driver
	platform component.Driver
	actions  []component.Action
	deferred []component.Driver

	active   profile.Profile
	selected profile.Profile

	holds      []*Hold
	nextCookie uint32

	powerReason profile.PowerReason
	battery     float64
	hasBattery  bool
}

// New creates an engine. No hardware is touched until Start.
func New(opts Options) *Engine {
	e := &Engine{
		candidates:     opts.Candidates,
		blockedDrivers: toSet(opts.BlockedDrivers),
		blockedActions: toSet(opts.BlockedActions),
		notifier:       opts.Notifier,
		watcher:        opts.Watcher,
		store:          opts.Store,
		recorder:       opts.Recorder,
		power:          opts.Power,
		version:        opts.Version,
		onFatal:        opts.OnFatal,
		active:         profile.Balanced,
		selected:       profile.Balanced,
		nextCookie:     1,
	}
	return e
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = true
		}
	}
	return set
}

// Start runs a registration pass and applies the initial profile. The
// returned error is fatal; the daemon must not keep running without its
// baseline profile coverage.
func (e *Engine) Start() error {
	e.mu.Lock()
	mask, err := e.startLocked()
	e.mu.Unlock()
	e.emit(mask, nil)
	return err
}

// Stop tears the engine down: power reason reset, holds released, installed
// components closed. Safe to call when already stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	released, mask := e.stopLocked()
	e.mu.Unlock()
	e.emit(mask, released)
}

// Restart tears down and re-registers every component. Invoked when a
// deferred driver reports that its hardware became usable. A baseline
// failure after restart is fatal.
func (e *Engine) Restart() {
	e.mu.Lock()
	released, stopMask := e.stopLocked()
	startMask, err := e.startLocked()
	e.mu.Unlock()
	e.emit(stopMask|startMask, released)
	if err != nil {
		log.Printf("engine: restart failed err=%v", err)
		if e.onFatal != nil {
			e.onFatal(err)
		}
	}
}

func (e *Engine) startLocked() (ChangeMask, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	var needs Needs

	for _, newComponent := range e.candidates {
		c := newComponent()

		switch c := c.(type) {
		case component.Driver:
			debugf("engine: handling driver name=%s", c.Name())
			if e.blockedDrivers[c.Name()] {
				debugf("engine: driver blocked, skipping name=%s", c.Name())
				component.Close(c)
				continue
			}
			if (c.Kind() == component.KindCPU && e.cpu != nil) ||
				(c.Kind() == component.KindPlatform && e.platform != nil) {
				debugf("engine: %s driver slot already filled, skipping name=%s", c.Kind(), c.Name())
				component.Close(c)
				continue
			}
			profiles := c.Profiles()
			if profiles&profile.All == 0 || profiles&^profile.All != 0 {
				log.Printf("engine: driver advertises invalid profile set name=%s profiles=0x%x", c.Name(), uint32(profiles))
				component.Close(c)
				continue
			}

			if src, ok := c.(component.EventSource); ok {
				src.Bind(e)
			}

			switch result := component.Probe(c); result {
			case profile.ProbeFail:
				debugf("engine: probe failed for driver name=%s", c.Name())
				e.unbindAndClose(c)
			case profile.ProbeDefer:
				debugf("engine: driver deferred name=%s", c.Name())
				e.deferred = append(e.deferred, c)
			case profile.ProbeSuccess:
				if c.Kind() == component.KindCPU {
					e.cpu = c
				} else {
					e.platform = c
				}
				e.noteNeeds(&needs, c, true)
				log.Printf("engine: driver loaded name=%s kind=%s profiles=%s", c.Name(), c.Kind(), profiles.SetString())
			}

		case component.Action:
			debugf("engine: handling action name=%s", c.Name())
			if e.blockedActions[c.Name()] {
				debugf("engine: action blocked, skipping name=%s", c.Name())
				component.Close(c)
				continue
			}
			if component.Probe(c) == profile.ProbeFail {
				debugf("engine: probe failed for action name=%s", c.Name())
				component.Close(c)
				continue
			}
			e.noteNeeds(&needs, c, false)
			e.actions = append(e.actions, c)
			log.Printf("engine: action loaded name=%s", c.Name())

		default:
			log.Printf("engine: candidate is neither driver nor action name=%s", c.Name())
			component.Close(c)
		}
	}

	if !e.baselineCoveredLocked() {
		return 0, daemonErrors.NoBaseline()
	}

	e.applySavedStateLocked()
	if err := e.activateLocked(e.active, profile.ReasonReset); err != nil {
		log.Printf("engine: failed to activate initial profile err=%v", err)
	}
	e.selected = e.active

	if e.power != nil && needs.Any() {
		e.power.Start(ctx, needs)
	} else {
		debugf("engine: no power monitor needed by any component")
	}

	return ChangeAll, nil
}

// noteNeeds accumulates the collaborator subscriptions implied by an
// installed component. Suspend only matters for drivers.
func (e *Engine) noteNeeds(needs *Needs, c component.Component, isDriver bool) {
	if _, ok := c.(component.PowerListener); ok {
		needs.PowerSource = true
	}
	if _, ok := c.(component.BatteryListener); ok {
		needs.BatteryLevel = true
	}
	if isDriver {
		if _, ok := c.(component.SleepListener); ok {
			needs.Suspend = true
		}
	}
}

func (e *Engine) baselineCoveredLocked() bool {
	if e.cpu == nil && e.platform == nil {
		return false
	}
	covered := profile.Profile(0)
	if e.cpu != nil {
		covered |= e.cpu.Profiles()
	}
	if e.platform != nil {
		covered |= e.platform.Profiles()
	}
	return covered.Has(profile.Baseline)
}

// applySavedStateLocked restores the persisted profile, but only when the
// recorded driver identities match the freshly installed ones.
func (e *Engine) applySavedStateLocked() {
	if e.store == nil {
		return
	}
	saved, ok := e.store.Load()
	if !ok {
		return
	}
	if e.cpu != nil && saved.CPUDriver != e.cpu.Name() {
		debugf("engine: saved cpu driver mismatch saved=%s installed=%s", saved.CPUDriver, e.cpu.Name())
		return
	}
	if e.platform != nil && saved.PlatformDriver != e.platform.Name() {
		debugf("engine: saved platform driver mismatch saved=%s installed=%s", saved.PlatformDriver, e.platform.Name())
		return
	}
	p, err := profile.Parse(saved.Profile)
	if err != nil {
		debugf("engine: ignoring invalid saved profile=%q", saved.Profile)
		return
	}
	debugf("engine: applying saved profile=%s", saved.Profile)
	e.active = p
}

func (e *Engine) stopLocked() ([]*Hold, ChangeMask) {
	if e.power != nil {
		e.power.Stop()
	}

	e.setPowerReasonLocked(profile.PowerUnknown)

	released := e.releaseAllHoldsLocked()
	var mask ChangeMask
	if len(released) > 0 {
		mask |= ChangedHolds
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	for _, d := range e.deferred {
		e.unbindAndClose(d)
	}
	e.deferred = nil
	for _, a := range e.actions {
		component.Close(a)
	}
	e.actions = nil
	if e.cpu != nil {
		e.unbindAndClose(e.cpu)
		e.cpu = nil
	}
	if e.platform != nil {
		e.unbindAndClose(e.platform)
		e.platform = nil
	}
	e.hasBattery = false

	return released, mask
}

func (e *Engine) unbindAndClose(c component.Component) {
	if src, ok := c.(component.EventSource); ok {
		src.Bind(nil)
	}
	component.Close(c)
}

// emit delivers the collected notifications. Must be called without the lock.
func (e *Engine) emit(mask ChangeMask, released []*Hold) {
	if e.notifier == nil {
		return
	}
	for _, h := range released {
		e.notifier.ProfileReleased(h.Requester, h.Interface, h.Cookie)
	}
	if mask != 0 {
		e.notifier.Changed(mask)
	}
}

// availableLocked reports whether any installed driver offers p.
func (e *Engine) availableLocked(p profile.Profile) bool {
	if e.cpu != nil && e.cpu.Profiles().Has(p) {
		return true
	}
	if e.platform != nil && e.platform.Profiles().Has(p) {
		return true
	}
	return false
}

// ActiveProfile returns the currently applied profile.
func (e *Engine) ActiveProfile() profile.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SetActiveProfile handles an explicit profile selection. Any live holds
// are released first; on success the choice is persisted.
func (e *Engine) SetActiveProfile(name string) error {
	e.mu.Lock()
	mask, released, err := e.setActiveProfileLocked(name)
	e.mu.Unlock()
	e.emit(mask, released)
	return err
}

func (e *Engine) setActiveProfileLocked(name string) (ChangeMask, []*Hold, error) {
	target, err := profile.Parse(name)
	if err != nil {
		return 0, nil, err
	}
	if !e.availableLocked(target) {
		return 0, nil, daemonErrors.ProfileUnavailable(name)
	}
	if target == e.active {
		return 0, nil, nil
	}

	debugf("engine: user transition from=%s to=%s", e.active, target)

	mask := ChangeMask(0)
	var released []*Hold
	if len(e.holds) > 0 {
		debugf("engine: releasing active profile holds")
		released = e.releaseAllHoldsLocked()
		mask |= ChangedHolds
	}

	if err := e.activateLocked(target, profile.ReasonUser); err != nil {
		return mask, released, err
	}
	e.selected = target
	mask |= ChangedActiveProfile
	return mask, released, nil
}
