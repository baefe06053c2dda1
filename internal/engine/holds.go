package engine

import (
	"log"

	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
	"github.com/powerprofiles/daemon/internal/profile"
)

// Hold is one live profile hold. Holds are kept in creation order, which is
// what makes the effective-profile tie-break deterministic.
type Hold struct {
	Cookie        uint32
	Profile       profile.Profile
	Reason        string
	ApplicationID string
	Requester     string // unique bus name of the caller
	Interface     string // IPC surface the hold came through
}

// HoldProfile creates a hold on behalf of requester and returns its cookie.
// Only power-saver and performance can be held.
func (e *Engine) HoldProfile(profileName, reason, applicationID, requester, iface string) (uint32, error) {
	e.mu.Lock()
	cookie, mask, err := e.holdProfileLocked(profileName, reason, applicationID, requester, iface)
	e.mu.Unlock()
	e.emit(mask, nil)
	return cookie, err
}

func (e *Engine) holdProfileLocked(profileName, reason, applicationID, requester, iface string) (uint32, ChangeMask, error) {
	p, err := profile.Parse(profileName)
	if err != nil {
		return 0, 0, err
	}
	if !p.Holdable() {
		return 0, 0, daemonErrors.ProfileNotHoldable(profileName)
	}
	if !e.availableLocked(p) {
		return 0, 0, daemonErrors.ProfileUnavailable(profileName)
	}

	cookie := e.nextCookie
	e.nextCookie++

	hold := &Hold{
		Cookie:        cookie,
		Profile:       p,
		Reason:        reason,
		ApplicationID: applicationID,
		Requester:     requester,
		Interface:     iface,
	}

	log.Printf("engine: hold requested app=%s requester=%s profile=%s reason=%q cookie=%d",
		applicationID, requester, profileName, reason, cookie)

	if e.watcher != nil {
		e.watcher.Watch(requester, cookie)
	}
	e.holds = append(e.holds, hold)

	mask := ChangedHolds
	if p != e.active {
		if target := e.effectiveHoldProfileLocked(); target != 0 && target != e.active {
			if err := e.activateLocked(target, profile.ReasonHold); err != nil {
				log.Printf("engine: failed to apply hold profile err=%v", err)
			} else {
				mask |= ChangedActiveProfile
			}
		}
	}

	return cookie, mask, nil
}

// ReleaseProfile drops the hold identified by cookie. Unknown cookies,
// including already-released ones, are a validation error.
func (e *Engine) ReleaseProfile(cookie uint32) error {
	e.mu.Lock()
	idx := e.holdIndexLocked(cookie)
	if idx < 0 {
		e.mu.Unlock()
		return daemonErrors.UnknownCookie(cookie)
	}
	released, mask := e.releaseHoldLocked(idx)
	e.mu.Unlock()
	e.emit(mask, []*Hold{released})
	return nil
}

// HolderDisappeared releases every hold owned by the vanished bus name.
// Called by the presence watcher from its own goroutine.
func (e *Engine) HolderDisappeared(name string) {
	e.mu.Lock()
	var released []*Hold
	var mask ChangeMask
	for {
		idx := -1
		for i, h := range e.holds {
			if h.Requester == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		debugf("engine: holder disappeared name=%s cookie=%d", name, e.holds[idx].Cookie)
		h, m := e.releaseHoldLocked(idx)
		released = append(released, h)
		mask |= m
	}
	e.mu.Unlock()
	e.emit(mask, released)
}

func (e *Engine) holdIndexLocked(cookie uint32) int {
	for i, h := range e.holds {
		if h.Cookie == cookie {
			return i
		}
	}
	return -1
}

// releaseHoldLocked removes one hold and reconciles the active profile:
// with no holds left the last manually selected profile comes back; if the
// released hold was driving the active profile the remaining holds decide.
func (e *Engine) releaseHoldLocked(idx int) (*Hold, ChangeMask) {
	hold := e.holds[idx]
	e.holds = append(e.holds[:idx], e.holds[idx+1:]...)
	if e.watcher != nil {
		e.watcher.Unwatch(hold.Cookie)
	}

	mask := ChangedHolds

	if len(e.holds) == 0 && hold.Profile != e.selected {
		debugf("engine: no holds left, restoring selected profile=%s", e.selected)
		if err := e.activateLocked(e.selected, profile.ReasonHold); err != nil {
			log.Printf("engine: failed to restore selected profile err=%v", err)
		} else {
			mask |= ChangedActiveProfile
		}
	} else if hold.Profile == e.active {
		if next := e.effectiveHoldProfileLocked(); next != 0 && next != e.active {
			debugf("engine: next hold profile=%s", next)
			if err := e.activateLocked(next, profile.ReasonHold); err != nil {
				log.Printf("engine: failed to apply next hold profile err=%v", err)
			} else {
				mask |= ChangedActiveProfile
			}
		}
	}

	return hold, mask
}

// releaseAllHoldsLocked drops every hold without touching the active
// profile. Used by explicit profile selection and by teardown.
func (e *Engine) releaseAllHoldsLocked() []*Hold {
	released := e.holds
	e.holds = nil
	if e.watcher != nil {
		for _, h := range released {
			e.watcher.Unwatch(h.Cookie)
		}
	}
	return released
}

// effectiveHoldProfileLocked resolves the hold table: any power-saver hold
// wins outright, otherwise the most recently created hold decides.
func (e *Engine) effectiveHoldProfileLocked() profile.Profile {
	var result profile.Profile
	for _, h := range e.holds {
		if h.Profile == profile.PowerSaver {
			return profile.PowerSaver
		}
		result = h.Profile
	}
	return result
}
