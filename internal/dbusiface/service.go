// Package dbusiface exposes the engine on the system bus under the current
// org.freedesktop.UPower.PowerProfiles identity and the legacy
// net.hadess.PowerProfiles one. Property reads are computed on demand from an
// engine snapshot; change notifications are batched per logical transition
// using the engine's change mask.
package dbusiface

import (
	"fmt"
	"log"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/powerprofiles/daemon/internal/engine"
	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
)

const (
	currentName = "org.freedesktop.UPower.PowerProfiles"
	currentPath = dbus.ObjectPath("/org/freedesktop/UPower/PowerProfiles")
	legacyName  = "net.hadess.PowerProfiles"
	legacyPath  = dbus.ObjectPath("/net/hadess/PowerProfiles")

	propsIface       = "org.freedesktop.DBus.Properties"
	nameOwnerChanged = "org.freedesktop.DBus.NameOwnerChanged"

	errorPrefix = "org.freedesktop.UPower.PowerProfiles.Error"
)

// Core is the engine surface the façade operates on.
type Core interface {
	Snapshot() engine.Snapshot
	SetActiveProfile(name string) error
	HoldProfile(profileName, reason, applicationID, requester, iface string) (uint32, error)
	ReleaseProfile(cookie uint32) error
	HolderDisappeared(name string)
}

// Service owns the bus presence of the daemon. It implements engine.Notifier
// and engine.Watcher; the engine is attached with Bind before Start.
type Service struct {
	conn *dbus.Conn
	auth Authorizer
	core Core

	mu      sync.Mutex
	watched map[string]map[uint32]bool // requester bus name -> live cookies
	byCook  map[uint32]string          // cookie -> requester bus name

	signals chan *dbus.Signal
	done    chan struct{}
}

// New creates a service on conn with the given authorizer. Bind and Start
// must be called before the engine starts broadcasting.
func New(conn *dbus.Conn, auth Authorizer) *Service {
	return &Service{
		conn:    conn,
		auth:    auth,
		watched: make(map[string]map[uint32]bool),
		byCook:  make(map[uint32]string),
		done:    make(chan struct{}),
	}
}

// Bind attaches the engine core.
func (s *Service) Bind(core Core) {
	s.core = core
}

// Start exports both objects and claims both well-known names. Objects are
// exported before the names are requested so no method call can land on an
// unexported path.
func (s *Service) Start() error {
	for _, id := range identities() {
		obj := &object{s: s, iface: id.iface, path: id.path}
		if err := s.conn.Export(obj, id.path, id.iface); err != nil {
			return daemonErrors.Wrap(daemonErrors.CodeBusConnectFailed,
				fmt.Sprintf("could not export %s", id.path), err)
		}
		if err := s.conn.Export(obj, id.path, propsIface); err != nil {
			return daemonErrors.Wrap(daemonErrors.CodeBusConnectFailed,
				fmt.Sprintf("could not export properties on %s", id.path), err)
		}
		if err := s.exportIntrospection(id); err != nil {
			return err
		}
	}

	s.signals = make(chan *dbus.Signal, 16)
	s.conn.Signal(s.signals)
	go s.watchLoop()

	for _, id := range identities() {
		reply, err := s.conn.RequestName(id.name, dbus.NameFlagDoNotQueue)
		if err != nil {
			return daemonErrors.Wrap(daemonErrors.CodeBusConnectFailed,
				fmt.Sprintf("could not request name %s", id.name), err)
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			return daemonErrors.New(daemonErrors.CodeBusNameTaken,
				fmt.Sprintf("bus name %s is already owned", id.name))
		}
		log.Printf("dbus: acquired name %s", id.name)
	}
	return nil
}

// Stop releases the bus names and ends signal dispatch. The connection
// itself is owned by the caller.
func (s *Service) Stop() {
	close(s.done)
	if s.signals != nil {
		s.conn.RemoveSignal(s.signals)
	}
	for _, id := range identities() {
		if _, err := s.conn.ReleaseName(id.name); err != nil {
			log.Printf("dbus: could not release name %s err=%v", id.name, err)
		}
	}
}

type identity struct {
	name  string
	iface string
	path  dbus.ObjectPath
}

func identities() []identity {
	return []identity{
		{name: currentName, iface: currentName, path: currentPath},
		{name: legacyName, iface: legacyName, path: legacyPath},
	}
}

// Changed implements engine.Notifier: one PropertiesChanged per identity
// carrying exactly the mask-selected properties.
func (s *Service) Changed(mask engine.ChangeMask) {
	props := s.propertyValues(mask)
	if len(props) == 0 {
		return
	}
	for _, id := range identities() {
		err := s.conn.Emit(id.path, propsIface+".PropertiesChanged",
			id.iface, props, []string{})
		if err != nil {
			log.Printf("dbus: failed to emit PropertiesChanged on %s err=%v", id.iface, err)
		}
	}
}

// ProfileReleased implements engine.Notifier: a unicast signal to the hold's
// requester on the identity the hold was taken through.
func (s *Service) ProfileReleased(requester, iface string, cookie uint32) {
	path := currentPath
	if iface == legacyName {
		path = legacyPath
	}
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(path),
			dbus.FieldInterface:   dbus.MakeVariant(iface),
			dbus.FieldMember:      dbus.MakeVariant("ProfileReleased"),
			dbus.FieldDestination: dbus.MakeVariant(requester),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(cookie)),
		},
		Body: []interface{}{cookie},
	}
	s.conn.Send(msg, nil)
}

// Watch implements engine.Watcher: track the requester's bus presence for
// the lifetime of its hold.
func (s *Service) Watch(name string, cookie uint32) {
	s.mu.Lock()
	first := len(s.watched[name]) == 0
	if s.watched[name] == nil {
		s.watched[name] = make(map[uint32]bool)
	}
	s.watched[name][cookie] = true
	s.byCook[cookie] = name
	s.mu.Unlock()

	if first {
		if err := s.conn.AddMatchSignal(nameOwnerMatch(name)...); err != nil {
			log.Printf("dbus: could not watch requester name=%s err=%v", name, err)
		}
	}
}

// Unwatch implements engine.Watcher.
func (s *Service) Unwatch(cookie uint32) {
	s.mu.Lock()
	name, ok := s.byCook[cookie]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byCook, cookie)
	delete(s.watched[name], cookie)
	last := len(s.watched[name]) == 0
	if last {
		delete(s.watched, name)
	}
	s.mu.Unlock()

	if last {
		if err := s.conn.RemoveMatchSignal(nameOwnerMatch(name)...); err != nil {
			log.Printf("dbus: could not unwatch requester name=%s err=%v", name, err)
		}
	}
}

func nameOwnerMatch(name string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	}
}

// watchLoop turns NameOwnerChanged vanish events for watched requesters into
// holder-disappearance reports.
func (s *Service) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case sig, ok := <-s.signals:
			if !ok {
				return
			}
			if sig.Name != nameOwnerChanged || len(sig.Body) < 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if newOwner != "" {
				continue
			}
			s.mu.Lock()
			_, isWatched := s.watched[name]
			s.mu.Unlock()
			if isWatched {
				log.Printf("dbus: hold requester vanished name=%s", name)
				s.core.HolderDisappeared(name)
			}
		}
	}
}

// asDBusError maps a coded error onto a bus error. Authorization failures
// use the standard AccessDenied name so existing clients recognize them.
func asDBusError(err error) *dbus.Error {
	code, message := daemonErrors.ToCodeAndMessage(err)
	if code == daemonErrors.CodeAuthDenied {
		return dbus.NewError("org.freedesktop.DBus.Error.AccessDenied", []interface{}{message})
	}
	return dbus.NewError(errorPrefix+"."+code, []interface{}{message})
}
