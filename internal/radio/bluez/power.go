// Package bluez controls adapter power through the BlueZ D-Bus API.
package bluez

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/radio"
)

const (
	bluezBus       = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	dbusProperties = "org.freedesktop.DBus.Properties"
)

// Power reads, sets and watches the power state of one BlueZ adapter.
type Power struct {
	conn   *dbus.Conn
	path   dbus.ObjectPath
	logger *logrus.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewPower opens a private system bus connection for adapter (e.g. "hci0").
func NewPower(adapter string, logger *logrus.Logger) (*Power, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Power{
		conn:   conn,
		path:   dbus.ObjectPath("/org/bluez/" + adapter),
		logger: logger,
	}, nil
}

// State returns the adapter power state. BlueZ 5.61+ exposes the transitional
// PowerState property; older daemons only report Powered.
func (p *Power) State() radio.PowerState {
	if s, err := getDBusProperty[string](p.conn, p.path, adapterIface, "PowerState"); err == nil {
		return ParsePowerState(s)
	}
	powered, err := getDBusProperty[bool](p.conn, p.path, adapterIface, "Powered")
	if err != nil {
		p.logger.WithError(err).Warn("Failed to read adapter power state")
		return radio.PowerOff
	}
	if powered {
		return radio.PowerOn
	}
	return radio.PowerOff
}

// SetPowered switches the adapter on or off.
func (p *Power) SetPowered(on bool) error {
	obj := p.conn.Object(bluezBus, p.path)
	call := obj.Call(dbusProperties+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("failed to set Powered=%t: %w", on, call.Err)
	}
	return nil
}

// Watch calls fn from a background goroutine for every power change BlueZ
// signals. A second Watch replaces the first.
func (p *Power) Watch(fn func(radio.PowerState)) error {
	matchRule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, p.path,
	)
	if call := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return fmt.Errorf("failed to add signal match: %w", call.Err)
	}

	p.mu.Lock()
	if p.stopCh != nil {
		close(p.stopCh)
	}
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.mu.Unlock()

	sigCh := make(chan *dbus.Signal, 16)
	p.conn.Signal(sigCh)

	go func() {
		for {
			select {
			case <-stopCh:
				p.conn.RemoveSignal(sigCh)
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != p.path || sig.Name != dbusProperties+".PropertiesChanged" {
					continue
				}
				if st, ok := ParsePropertiesChanged(sig.Body); ok {
					p.logger.WithField("state", st.String()).Debug("Adapter power changed")
					fn(st)
				}
			}
		}
	}()
	return nil
}

// Close stops watching and closes the bus connection.
func (p *Power) Close() error {
	p.mu.Lock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
	p.mu.Unlock()
	return p.conn.Close()
}

// ParsePowerState maps BlueZ PowerState values.
func ParsePowerState(s string) radio.PowerState {
	switch s {
	case "on":
		return radio.PowerOn
	case "off-enabling":
		return radio.PowerTurningOn
	case "on-disabling":
		return radio.PowerTurningOff
	default: // "off", "off-blocked"
		return radio.PowerOff
	}
}

// ParsePropertiesChanged extracts a power state from a PropertiesChanged
// signal body for the Adapter1 interface.
func ParsePropertiesChanged(body []interface{}) (radio.PowerState, bool) {
	if len(body) < 2 {
		return radio.PowerOff, false
	}
	if iface, ok := body[0].(string); !ok || iface != adapterIface {
		return radio.PowerOff, false
	}
	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return radio.PowerOff, false
	}
	if v, ok := changed["PowerState"]; ok {
		if s, ok := v.Value().(string); ok {
			return ParsePowerState(s), true
		}
	}
	if v, ok := changed["Powered"]; ok {
		if on, ok := v.Value().(bool); ok {
			if on {
				return radio.PowerOn, true
			}
			return radio.PowerOff, true
		}
	}
	return radio.PowerOff, false
}

// getDBusProperty reads a property from a BlueZ DBus object.
func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
