// Package bluez reads and watches the BlueZ adapter power state over the
// D-Bus system bus. It is used on Linux to drive the peripheral power wait.
package bluez

import (
	"context"
	"fmt"
	"sort"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	busName          = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	propsInterface   = "org.freedesktop.DBus.Properties"
	propsChanged     = propsInterface + ".PropertiesChanged"
)

// PowerMonitor tracks the "Powered" property of one BlueZ adapter.
type PowerMonitor struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	logger  *logrus.Logger
}

// NewPowerMonitor connects to the system bus and picks the first adapter
// BlueZ exports (normally /org/bluez/hci0).
func NewPowerMonitor(logger *logrus.Logger) (*PowerMonitor, error) {
	if logger == nil {
		logger = logrus.New()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	path, err := findAdapter(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.WithField("adapter", path).Debug("Watching BlueZ adapter power state")
	return &PowerMonitor{conn: conn, adapter: path, logger: logger}, nil
}

func findAdapter(conn *dbus.Conn) (dbus.ObjectPath, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := conn.Object(busName, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("failed to list BlueZ objects: %w", err)
	}

	var adapters []string
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterInterface]; ok {
			adapters = append(adapters, string(path))
		}
	}
	if len(adapters) == 0 {
		return "", fmt.Errorf("no BlueZ adapter found")
	}
	sort.Strings(adapters)
	return dbus.ObjectPath(adapters[0]), nil
}

// Adapter returns the object path of the watched adapter.
func (m *PowerMonitor) Adapter() string {
	return string(m.adapter)
}

// Powered reads the current adapter power state.
func (m *PowerMonitor) Powered(ctx context.Context) (bool, error) {
	var v dbus.Variant
	obj := m.conn.Object(busName, m.adapter)
	if err := obj.CallWithContext(ctx, propsInterface+".Get", 0, adapterInterface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("failed to read %s Powered: %w", m.adapter, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Powered type %T", v.Value())
	}
	return powered, nil
}

// Watch calls fn for every Powered change until ctx ends.
func (m *PowerMonitor) Watch(ctx context.Context, fn func(powered bool)) error {
	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propsInterface, m.adapter)
	if err := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("failed to add match rule: %w", err)
	}
	defer m.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)

	sigCh := make(chan *dbus.Signal, 16)
	m.conn.Signal(sigCh)
	defer m.conn.RemoveSignal(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("system bus signal channel closed")
			}
			if sig == nil || sig.Path != m.adapter {
				continue
			}
			if powered, ok := PoweredFromSignal(sig); ok {
				m.logger.WithField("powered", powered).Debug("BlueZ adapter power changed")
				fn(powered)
			}
		}
	}
}

// Close releases the bus connection.
func (m *PowerMonitor) Close() error {
	return m.conn.Close()
}

// PoweredFromSignal extracts the adapter Powered value from a
// PropertiesChanged signal; ok is false if the signal does not carry it.
func PoweredFromSignal(sig *dbus.Signal) (powered bool, ok bool) {
	if sig == nil || sig.Name != propsChanged || len(sig.Body) < 2 {
		return false, false
	}
	iface, _ := sig.Body[0].(string)
	if iface != adapterInterface {
		return false, false
	}
	changed, isMap := sig.Body[1].(map[string]dbus.Variant)
	if !isMap {
		return false, false
	}
	v, exists := changed["Powered"]
	if !exists {
		return false, false
	}
	powered, ok = v.Value().(bool)
	return powered, ok
}
