// Package upower feeds power source, battery level and suspend events from
// the system bus into the engine. It watches the UPower daemon for AC/battery
// and charge changes and logind for suspend transitions.
package upower

import (
	"context"
	"log"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/godbus/dbus/v5"

	"github.com/powerprofiles/daemon/internal/engine"
)

const (
	upowerName        = "org.freedesktop.UPower"
	upowerPath        = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerIface       = "org.freedesktop.UPower"
	displayDevicePath = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	deviceIface       = "org.freedesktop.UPower.Device"

	logindName       = "org.freedesktop.login1"
	logindPath       = dbus.ObjectPath("/org/freedesktop/login1")
	logindSleep      = "org.freedesktop.login1.Manager.PrepareForSleep"
	propsChanged     = "org.freedesktop.DBus.Properties.PropertiesChanged"
	nameOwnerChanged = "org.freedesktop.DBus.NameOwnerChanged"
)

// Sink receives the translated bus events. The engine implements this.
type Sink interface {
	PowerSourceChanged(onBattery bool)
	PowerSourceUnknown()
	BatteryLevelChanged(percentage float64)
	PrepareForSleep(entering bool)
}

// Monitor subscribes to UPower and logind on the system bus and forwards
// their events to a Sink. It reconnects with exponential backoff until the
// start context is cancelled.
type Monitor struct {
	sink          Sink
	disableUpower bool
	disableLogind bool

	// connect is swapped out in tests.
	connect func() (*dbus.Conn, error)

	mu   sync.Mutex
	conn *dbus.Conn
}

// New creates a monitor delivering to sink. The disable flags drop the
// corresponding bus subscriptions entirely.
func New(sink Sink, disableUpower, disableLogind bool) *Monitor {
	return &Monitor{
		sink:          sink,
		disableUpower: disableUpower,
		disableLogind: disableLogind,
		connect:       func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() },
	}
}

// Start begins delivering events in a background goroutine. It returns
// immediately; the bus connection is established asynchronously so a missing
// UPower never blocks daemon startup. Cancelling ctx ends delivery.
func (m *Monitor) Start(ctx context.Context, needs engine.Needs) {
	wantUpower := !m.disableUpower && (needs.PowerSource || needs.BatteryLevel)
	wantLogind := !m.disableLogind && needs.Suspend
	if !wantUpower && !wantLogind {
		log.Printf("upower: no bus subscriptions requested")
		return
	}

	go m.run(ctx, needs, wantUpower, wantLogind)
}

// Stop closes the bus connection. It does not wait for in-flight callbacks;
// the engine deduplicates any stragglers.
func (m *Monitor) Stop() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// drop closes the connection owned by one run goroutine. A restarted monitor
// may already have stored a newer connection, which must stay untouched.
func (m *Monitor) drop(conn *dbus.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *Monitor) run(ctx context.Context, needs engine.Needs, wantUpower, wantLogind bool) {
	var conn *dbus.Conn
	op := func() error {
		c, err := m.connect()
		if err != nil {
			log.Printf("upower: bus connection failed, retrying err=%v", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		log.Printf("upower: giving up on bus connection err=%v", err)
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if wantUpower {
		if err := m.subscribeUpower(conn); err != nil {
			log.Printf("upower: subscription failed err=%v", err)
		}
		m.readInitialState(conn, needs)
	}
	if wantLogind {
		if err := conn.AddMatchSignal(
			dbus.WithMatchSender(logindName),
			dbus.WithMatchObjectPath(logindPath),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			log.Printf("upower: logind subscription failed err=%v", err)
		}
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	for {
		select {
		case <-ctx.Done():
			m.drop(conn)
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			m.handleSignal(sig, needs)
		}
	}
}

func (m *Monitor) subscribeUpower(conn *dbus.Conn) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(upowerName),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return err
	}
	// Track UPower leaving or joining the bus so the power source can be
	// reset to unknown while it is gone.
	return conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, upowerName),
	)
}

// readInitialState fetches the current OnBattery and Percentage values so
// the engine does not wait for the first change signal.
func (m *Monitor) readInitialState(conn *dbus.Conn, needs engine.Needs) {
	if needs.PowerSource {
		v, err := conn.Object(upowerName, upowerPath).GetProperty(upowerIface + ".OnBattery")
		if err != nil {
			log.Printf("upower: could not read OnBattery err=%v", err)
		} else if onBattery, ok := v.Value().(bool); ok {
			m.sink.PowerSourceChanged(onBattery)
		}
	}
	if needs.BatteryLevel {
		v, err := conn.Object(upowerName, displayDevicePath).GetProperty(deviceIface + ".Percentage")
		if err != nil {
			log.Printf("upower: could not read Percentage err=%v", err)
		} else if pct, ok := v.Value().(float64); ok {
			m.sink.BatteryLevelChanged(pct)
		}
	}
}

// handleSignal translates one bus signal into sink callbacks.
func (m *Monitor) handleSignal(sig *dbus.Signal, needs engine.Needs) {
	switch sig.Name {
	case propsChanged:
		m.handlePropertiesChanged(sig, needs)

	case nameOwnerChanged:
		if len(sig.Body) < 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if name != upowerName {
			return
		}
		if newOwner == "" {
			log.Printf("upower: UPower vanished from the bus")
			m.sink.PowerSourceUnknown()
			return
		}
		log.Printf("upower: UPower appeared on the bus owner=%s", newOwner)
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			m.readInitialState(conn, needs)
		}

	case logindSleep:
		if len(sig.Body) < 1 {
			return
		}
		if entering, ok := sig.Body[0].(bool); ok {
			m.sink.PrepareForSleep(entering)
		}
	}
}

func (m *Monitor) handlePropertiesChanged(sig *dbus.Signal, needs engine.Needs) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	switch {
	case iface == upowerIface && needs.PowerSource:
		if v, ok := changed["OnBattery"]; ok {
			if onBattery, ok := v.Value().(bool); ok {
				m.sink.PowerSourceChanged(onBattery)
			}
		}
	case iface == deviceIface && needs.BatteryLevel && sig.Path == displayDevicePath:
		if v, ok := changed["Percentage"]; ok {
			if pct, ok := v.Value().(float64); ok {
				m.sink.BatteryLevelChanged(pct)
			}
		}
	}
}
