// Package bluez implements the Bluetooth stack port over BlueZ on the system
// D-Bus and translates BlueZ property signals into route manager events.
package bluez

import (
	"context"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
)

const (
	busName             = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	mediaTransportIface = "org.bluez.MediaTransport1"
	propsIface          = "org.freedesktop.DBus.Properties"
	propsSignal         = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManagerIface  = "org.freedesktop.DBus.ObjectManager"
	bluezNamespace      = "/org/bluez"

	// HFPHandsfreeUUID is the service class of the headset side of HFP.
	HFPHandsfreeUUID = "0000111e-0000-1000-8000-00805f9b34fb"
)

// ManagedObjects is the reply of ObjectManager.GetManagedObjects.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Caller is the subset of a D-Bus connection the stack and watcher use.
type Caller interface {
	// Call invokes method on the BlueZ object at path and waits for the reply.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error
	// Send invokes method without waiting for a reply.
	Send(path dbus.ObjectPath, method string, args ...any) error
	Property(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error)
	ManagedObjects(ctx context.Context) (ManagedObjects, error)
}

var log = logger.Global().Module("bluez")

// Conn is a private system bus connection to BlueZ.
type Conn struct {
	conn *dbus.Conn
}

// Open connects to the system bus and checks that BlueZ is running.
func Open() (*Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, busError(err, "connect system bus")
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		_ = conn.Close()
		return nil, busError(err, "list bus names")
	}
	if !slices.Contains(names, busName) {
		_ = conn.Close()
		return nil, errors.Newf("%s not found on the system bus, is bluetooth.service running?", busName).
			Component("bluez").
			Category(errors.CategoryBluetooth).
			Build()
	}
	return &Conn{conn: conn}, nil
}

// Close closes the bus connection.
func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error {
	return c.conn.Object(busName, path).CallWithContext(ctx, method, 0, args...).Err
}

func (c *Conn) Send(path dbus.ObjectPath, method string, args ...any) error {
	call := c.conn.Object(busName, path).Go(method, dbus.FlagNoReplyExpected, nil, args...)
	return call.Err
}

func (c *Conn) Property(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.conn.Object(busName, path).Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (c *Conn) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	var objects ManagedObjects
	err := c.conn.Object(busName, "/").
		CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0).
		Store(&objects)
	return objects, err
}

// subscribe delivers BlueZ PropertiesChanged signals to ch.
func (c *Conn) subscribe(ch chan<- *dbus.Signal) error {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(bluezNamespace),
	); err != nil {
		return busError(err, "add signal match")
	}
	c.conn.Signal(ch)
	return nil
}

func (c *Conn) unsubscribe(ch chan<- *dbus.Signal) {
	c.conn.RemoveSignal(ch)
	_ = c.conn.RemoveMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(bluezNamespace),
	)
}

// adapterPath returns "/org/bluez/hci0" for "hci0".
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath(bluezNamespace + "/" + adapter)
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter string, addr audio.DeviceID) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(string(addr)), ":", "_")
	return adapterPath(adapter) + "/dev_" + dbus.ObjectPath(escaped)
}

// addressFromPath extracts the device address from a device path or any
// object below it, such as a media transport. It returns "" when path is
// not under adapter.
func addressFromPath(adapter string, path dbus.ObjectPath) audio.DeviceID {
	prefix := string(adapterPath(adapter)) + "/dev_"
	rest, ok := strings.CutPrefix(string(path), prefix)
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return audio.DeviceID(strings.ReplaceAll(rest, "_", ":"))
}

// isDevicePath reports whether path names a device object and not one of
// its children.
func isDevicePath(adapter string, path dbus.ObjectPath) bool {
	prefix := string(adapterPath(adapter)) + "/dev_"
	rest, ok := strings.CutPrefix(string(path), prefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func hasHFP(uuids []string) bool {
	return slices.ContainsFunc(uuids, func(u string) bool {
		return strings.EqualFold(u, HFPHandsfreeUUID)
	})
}

func busError(err error, op string) error {
	return errors.New(err).
		Component("bluez").
		Category(errors.CategoryDBus).
		Context("operation", op).
		Build()
}
