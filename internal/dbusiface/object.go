package dbusiface

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/powerprofiles/daemon/internal/engine"
	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
)

// object is the per-identity exported handler. Both identities share the
// engine core; only the interface and path they answer under differ.
type object struct {
	s     *Service
	iface string
	path  dbus.ObjectPath
}

// HoldProfile takes a profile hold for the calling peer.
func (o *object) HoldProfile(sender dbus.Sender, profileName, reason, applicationID string) (uint32, *dbus.Error) {
	if !o.s.auth.CheckPermission(string(sender), ActionHoldProfile) {
		return 0, asDBusError(daemonErrors.AuthDenied(ActionHoldProfile))
	}
	cookie, err := o.s.core.HoldProfile(profileName, reason, applicationID, string(sender), o.iface)
	if err != nil {
		return 0, asDBusError(err)
	}
	return cookie, nil
}

// ReleaseProfile ends the hold identified by cookie. Cookies are shared
// secrets; any peer presenting a valid one may release it.
func (o *object) ReleaseProfile(cookie uint32) *dbus.Error {
	if err := o.s.core.ReleaseProfile(cookie); err != nil {
		return asDBusError(err)
	}
	return nil
}

// Get implements org.freedesktop.DBus.Properties.
func (o *object) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	if iface != o.iface {
		return dbus.Variant{}, unknownInterface(iface)
	}
	all := o.s.propertyValues(engine.ChangeAll)
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty",
			[]interface{}{fmt.Sprintf("unknown property %s", prop)})
	}
	return v, nil
}

// GetAll implements org.freedesktop.DBus.Properties.
func (o *object) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != o.iface {
		return nil, unknownInterface(iface)
	}
	return o.s.propertyValues(engine.ChangeAll), nil
}

// Set implements org.freedesktop.DBus.Properties. ActiveProfile is the only
// writable property and requires the switch-profile authorization.
func (o *object) Set(sender dbus.Sender, iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != o.iface {
		return unknownInterface(iface)
	}
	if prop != "ActiveProfile" {
		return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly",
			[]interface{}{fmt.Sprintf("property %s is not writable", prop)})
	}
	name, ok := value.Value().(string)
	if !ok {
		return dbus.NewError("org.freedesktop.DBus.Error.InvalidArgs",
			[]interface{}{"ActiveProfile takes a string"})
	}
	if !o.s.auth.CheckPermission(string(sender), ActionSwitchProfile) {
		return asDBusError(daemonErrors.AuthDenied(ActionSwitchProfile))
	}
	if err := o.s.core.SetActiveProfile(name); err != nil {
		return asDBusError(err)
	}
	return nil
}

func unknownInterface(iface string) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface",
		[]interface{}{fmt.Sprintf("unknown interface %s", iface)})
}

// propertyValues marshals the mask-selected subset of the engine snapshot
// into the wire property map. Values are always computed fresh.
func (s *Service) propertyValues(mask engine.ChangeMask) map[string]dbus.Variant {
	snap := s.core.Snapshot()

	props := make(map[string]dbus.Variant)
	if mask&engine.ChangedActiveProfile != 0 {
		props["ActiveProfile"] = dbus.MakeVariant(snap.ActiveProfile)
	}
	if mask&engine.ChangedInhibited != 0 {
		// Deprecated, kept for older clients. Always empty.
		props["PerformanceInhibited"] = dbus.MakeVariant("")
	}
	if mask&engine.ChangedProfiles != 0 {
		props["Profiles"] = dbus.MakeVariant(marshalProfiles(snap.Profiles))
	}
	if mask&engine.ChangedActions != 0 {
		actions := snap.Actions
		if actions == nil {
			actions = []string{}
		}
		props["Actions"] = dbus.MakeVariant(actions)
	}
	if mask&engine.ChangedDegraded != 0 {
		props["PerformanceDegraded"] = dbus.MakeVariant(snap.PerformanceDegraded)
	}
	if mask&engine.ChangedHolds != 0 {
		props["ActiveProfileHolds"] = dbus.MakeVariant(marshalHolds(snap.Holds))
	}
	if mask&engine.ChangedVersion != 0 {
		props["Version"] = dbus.MakeVariant(snap.Version)
	}
	return props
}

func marshalProfiles(infos []engine.ProfileInfo) []map[string]dbus.Variant {
	out := make([]map[string]dbus.Variant, 0, len(infos))
	for _, info := range infos {
		entry := map[string]dbus.Variant{
			"Profile": dbus.MakeVariant(info.Profile),
			"Driver":  dbus.MakeVariant(info.Driver),
		}
		if info.CPUDriver != "" {
			entry["CpuDriver"] = dbus.MakeVariant(info.CPUDriver)
		}
		if info.PlatformDriver != "" {
			entry["PlatformDriver"] = dbus.MakeVariant(info.PlatformDriver)
		}
		out = append(out, entry)
	}
	return out
}

func marshalHolds(holds []engine.HoldInfo) []map[string]dbus.Variant {
	out := make([]map[string]dbus.Variant, 0, len(holds))
	for _, h := range holds {
		out = append(out, map[string]dbus.Variant{
			"ApplicationId": dbus.MakeVariant(h.ApplicationID),
			"Profile":       dbus.MakeVariant(h.Profile),
			"Reason":        dbus.MakeVariant(h.Reason),
		})
	}
	return out
}

func (s *Service) exportIntrospection(id identity) error {
	node := &introspect.Node{
		Name: string(id.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: propsIface,
				Methods: []introspect.Method{
					{Name: "Get", Args: []introspect.Arg{
						{Name: "interface_name", Type: "s", Direction: "in"},
						{Name: "property_name", Type: "s", Direction: "in"},
						{Name: "value", Type: "v", Direction: "out"},
					}},
					{Name: "GetAll", Args: []introspect.Arg{
						{Name: "interface_name", Type: "s", Direction: "in"},
						{Name: "properties", Type: "a{sv}", Direction: "out"},
					}},
					{Name: "Set", Args: []introspect.Arg{
						{Name: "interface_name", Type: "s", Direction: "in"},
						{Name: "property_name", Type: "s", Direction: "in"},
						{Name: "value", Type: "v", Direction: "in"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "PropertiesChanged", Args: []introspect.Arg{
						{Name: "interface_name", Type: "s"},
						{Name: "changed_properties", Type: "a{sv}"},
						{Name: "invalidated_properties", Type: "as"},
					}},
				},
			},
			{
				Name: id.iface,
				Methods: []introspect.Method{
					{Name: "HoldProfile", Args: []introspect.Arg{
						{Name: "profile", Type: "s", Direction: "in"},
						{Name: "reason", Type: "s", Direction: "in"},
						{Name: "application_id", Type: "s", Direction: "in"},
						{Name: "cookie", Type: "u", Direction: "out"},
					}},
					{Name: "ReleaseProfile", Args: []introspect.Arg{
						{Name: "cookie", Type: "u", Direction: "in"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "ProfileReleased", Args: []introspect.Arg{
						{Name: "cookie", Type: "u"},
					}},
				},
				Properties: []introspect.Property{
					{Name: "ActiveProfile", Type: "s", Access: "readwrite"},
					{Name: "PerformanceInhibited", Type: "s", Access: "read"},
					{Name: "Profiles", Type: "aa{sv}", Access: "read"},
					{Name: "Actions", Type: "as", Access: "read"},
					{Name: "PerformanceDegraded", Type: "s", Access: "read"},
					{Name: "ActiveProfileHolds", Type: "aa{sv}", Access: "read"},
					{Name: "Version", Type: "s", Access: "read"},
				},
			},
		},
	}
	err := s.conn.Export(introspect.NewIntrospectable(node), id.path,
		"org.freedesktop.DBus.Introspectable")
	if err != nil {
		return daemonErrors.Wrap(daemonErrors.CodeBusConnectFailed,
			fmt.Sprintf("could not export introspection on %s", id.path), err)
	}
	return nil
}
