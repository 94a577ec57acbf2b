package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
)

// Sink receives device and audio events. bluetooth.RouteManager
// implements it.
type Sink interface {
	OnDeviceAdded(addr audio.DeviceID)
	OnDeviceLost(addr audio.DeviceID)
	OnActiveDeviceChanged(addr audio.DeviceID)
	HfpIsOn(addr audio.DeviceID)
	HfpLost(addr audio.DeviceID)
}

// Transport states reported by org.bluez.MediaTransport1.
const (
	transportIdle    = "idle"
	transportPending = "pending"
	transportActive  = "active"
)

// Watcher turns BlueZ PropertiesChanged signals into Sink calls. Only
// devices advertising HFP are reported. A Watcher is driven by a single
// goroutine.
type Watcher struct {
	caller  Caller
	stack   *Stack
	sink    Sink
	adapter string
	log     logger.Logger

	devices map[audio.DeviceID]struct{}
	audioOn map[audio.DeviceID]struct{}
}

// NewWatcher creates a watcher feeding sink. stack tracks the active device.
func NewWatcher(caller Caller, stack *Stack, sink Sink) *Watcher {
	return &Watcher{
		caller:  caller,
		stack:   stack,
		sink:    sink,
		adapter: stack.cfg.Adapter,
		log:     log.Module("watcher"),
		devices: make(map[audio.DeviceID]struct{}),
		audioOn: make(map[audio.DeviceID]struct{}),
	}
}

// Run reports the devices already connected, then follows signals on conn
// until ctx is cancelled or the connection closes.
func (w *Watcher) Run(ctx context.Context, conn *Conn) error {
	ch := make(chan *dbus.Signal, 32)
	if err := conn.subscribe(ch); err != nil {
		return err
	}
	defer conn.unsubscribe(ch)

	if err := w.Scan(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			w.Handle(sig)
		}
	}
}

// Scan reports connected HFP devices and active transports from the
// BlueZ object tree.
func (w *Watcher) Scan(ctx context.Context) error {
	objects, err := w.caller.ManagedObjects(ctx)
	if err != nil {
		return busError(err, "get managed objects")
	}
	var transports []dbus.ObjectPath
	for path, ifaces := range objects {
		if props, ok := ifaces[deviceIface]; ok && isDevicePath(w.adapter, path) {
			if connected, _ := props["Connected"].Value().(bool); connected {
				uuids, _ := props["UUIDs"].Value().([]string)
				w.deviceConnected(addressFromPath(w.adapter, path), uuids)
			}
		}
		if props, ok := ifaces[mediaTransportIface]; ok {
			if state, _ := props["State"].Value().(string); state == transportActive {
				transports = append(transports, path)
			}
		}
	}
	// Audio can only be reported for devices already added.
	for _, path := range transports {
		w.transportChanged(addressFromPath(w.adapter, path), transportActive)
	}
	w.log.Info("initial scan complete", logger.Int("devices", len(w.devices)))
	return nil
}

// Handle translates one signal. Signals other than PropertiesChanged on a
// device or media transport are ignored.
func (w *Watcher) Handle(sig *dbus.Signal) {
	if sig == nil || sig.Name != propsSignal || len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	addr := addressFromPath(w.adapter, sig.Path)
	if addr == "" {
		return
	}

	switch iface {
	case deviceIface:
		if !isDevicePath(w.adapter, sig.Path) {
			return
		}
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, _ := v.Value().(bool); connected {
			w.deviceConnected(addr, nil)
		} else {
			w.deviceDisconnected(addr)
		}
	case mediaTransportIface:
		if v, ok := changed["State"]; ok {
			state, _ := v.Value().(string)
			w.transportChanged(addr, state)
		}
	}
}

// deviceConnected reports addr when it supports HFP. uuids is read from
// the bus when nil.
func (w *Watcher) deviceConnected(addr audio.DeviceID, uuids []string) {
	if _, known := w.devices[addr]; known {
		return
	}
	if uuids == nil {
		v, err := w.caller.Property(devicePath(w.adapter, addr), deviceIface, "UUIDs")
		if err != nil {
			w.log.Warn("read device services failed", logger.String("address", string(addr)), logger.Error(err))
			return
		}
		uuids, _ = v.Value().([]string)
	}
	if !hasHFP(uuids) {
		w.log.Debug("ignoring device without HFP", logger.String("address", string(addr)))
		return
	}

	w.devices[addr] = struct{}{}
	w.log.Info("HFP device connected", logger.String("address", string(addr)))
	w.sink.OnDeviceAdded(addr)
	if w.stack.markActive(addr) {
		w.sink.OnActiveDeviceChanged(addr)
	}
}

func (w *Watcher) deviceDisconnected(addr audio.DeviceID) {
	if _, known := w.devices[addr]; !known {
		return
	}
	delete(w.devices, addr)
	delete(w.audioOn, addr)
	w.log.Info("HFP device disconnected", logger.String("address", string(addr)))
	w.sink.OnDeviceLost(addr)
	if w.stack.clearActive(addr) {
		w.sink.OnActiveDeviceChanged("")
	}
}

func (w *Watcher) transportChanged(addr audio.DeviceID, state string) {
	if _, known := w.devices[addr]; !known {
		return
	}
	_, on := w.audioOn[addr]
	switch state {
	case transportActive:
		if on {
			return
		}
		w.audioOn[addr] = struct{}{}
		w.sink.HfpIsOn(addr)
	case transportIdle:
		if !on {
			return
		}
		delete(w.audioOn, addr)
		w.sink.HfpLost(addr)
	case transportPending:
		w.log.Debug("audio transport pending", logger.String("address", string(addr)))
	}
}
