package engine

import (
	"log"

	"github.com/powerprofiles/daemon/internal/component"
	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
	"github.com/powerprofiles/daemon/internal/profile"
	"github.com/powerprofiles/daemon/internal/state"
)

// activateLocked is the transition coordinator. The CPU driver commits
// first; a platform failure triggers a best-effort revert of the CPU side
// before the error is surfaced. Actions are advisory and never fail the
// transition. A driver that does not offer the target profile is skipped.
func (e *Engine) activateLocked(target profile.Profile, reason profile.ActivationReason) error {
	current := e.active

	log.Printf("engine: setting active profile profile=%s reason=%s current=%s",
		target, reason, current)

	if e.cpu != nil && e.cpu.Profiles().Has(target) {
		if err := component.Activate(e.cpu, target, reason); err != nil {
			return daemonErrors.ActivateFailed(e.cpu.Name(), target.String(), err)
		}
	}

	if e.platform != nil && e.platform.Profiles().Has(target) {
		if err := component.Activate(e.platform, target, reason); err != nil {
			if e.cpu != nil {
				debugf("engine: reverting cpu driver name=%s profile=%s", e.cpu.Name(), current)
				if rerr := component.Activate(e.cpu, current, profile.ReasonInternal); rerr != nil {
					log.Printf("engine: failed to revert cpu driver name=%s err=%v", e.cpu.Name(), rerr)
				}
			}
			return daemonErrors.ActivateFailed(e.platform.Name(), target.String(), err)
		}
	}

	for _, a := range e.actions {
		if err := component.Activate(a, target, reason); err != nil {
			log.Printf("engine: failed to activate action name=%s profile=%s err=%v", a.Name(), target, err)
		}
	}

	e.active = target

	if reason == profile.ReasonUser || reason == profile.ReasonInternal {
		e.saveStateLocked()
	}
	e.recordTransitionLocked(target, reason, current)

	return nil
}

func (e *Engine) saveStateLocked() {
	if e.store == nil {
		return
	}
	saved := state.Saved{Profile: e.active.String()}
	if e.cpu != nil {
		saved.CPUDriver = e.cpu.Name()
	}
	if e.platform != nil {
		saved.PlatformDriver = e.platform.Name()
	}
	if err := e.store.Save(saved); err != nil {
		log.Printf("engine: could not save state err=%v", err)
	}
}

func (e *Engine) recordTransitionLocked(target profile.Profile, reason profile.ActivationReason, previous profile.Profile) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordTransition(target.String(), reason.String(), previous.String()); err != nil {
		log.Printf("engine: could not record transition err=%v", err)
	}
}
