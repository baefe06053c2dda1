package dbusiface

import (
	"log"

	"github.com/godbus/dbus/v5"
)

// Polkit action IDs guarding the two privileged operations.
const (
	ActionSwitchProfile = "org.freedesktop.UPower.PowerProfiles.switch-profile"
	ActionHoldProfile   = "org.freedesktop.UPower.PowerProfiles.hold-profile"
)

// Authorizer answers whether a bus peer may perform a polkit action.
type Authorizer interface {
	CheckPermission(sender, action string) bool
}

// polkitAuthority asks the polkit daemon over the system bus. Interactive
// authentication is allowed, so a desktop session can prompt the user.
type polkitAuthority struct {
	conn *dbus.Conn
}

// NewPolkitAuthority creates an authorizer backed by polkit on conn.
func NewPolkitAuthority(conn *dbus.Conn) Authorizer {
	return &polkitAuthority{conn: conn}
}

// allowUserInteraction is polkit's CheckAuthorizationFlags value for
// permitting an authentication dialog.
const allowUserInteraction = uint32(1)

func (p *polkitAuthority) CheckPermission(sender, action string) bool {
	subject := struct {
		Kind    string
		Details map[string]dbus.Variant
	}{
		Kind:    "system-bus-name",
		Details: map[string]dbus.Variant{"name": dbus.MakeVariant(sender)},
	}

	var result struct {
		IsAuthorized bool
		IsChallenge  bool
		Details      map[string]string
	}

	obj := p.conn.Object("org.freedesktop.PolicyKit1", "/org/freedesktop/PolicyKit1/Authority")
	err := obj.Call("org.freedesktop.PolicyKit1.Authority.CheckAuthorization", 0,
		subject, action, map[string]string{}, allowUserInteraction, "").Store(&result)
	if err != nil {
		log.Printf("dbus: polkit check failed action=%s err=%v", action, err)
		return false
	}
	if !result.IsAuthorized {
		log.Printf("dbus: authorization denied sender=%s action=%s", sender, action)
	}
	return result.IsAuthorized
}
