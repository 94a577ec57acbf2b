package bluez

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
)

// Config selects the adapter and reports in-band ringing support.
type Config struct {
	Adapter       string
	InbandRinging bool
}

// Stack implements bluetooth.Stack over BlueZ. BlueZ has no notion of an
// active HFP device, so the stack keeps one: the watcher marks the first
// connected HFP device active and clears it when that device goes away.
type Stack struct {
	caller Caller
	cfg    Config
	log    logger.Logger

	mu          sync.Mutex
	active      audio.DeviceID
	audioDevice audio.DeviceID
}

// NewStack creates a stack that issues calls through caller.
func NewStack(caller Caller, cfg Config) *Stack {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	return &Stack{
		caller: caller,
		cfg:    cfg,
		log:    log.With(logger.String("adapter", cfg.Adapter)),
	}
}

// PowerOn powers the adapter if it is off.
func (s *Stack) PowerOn(ctx context.Context) error {
	path := adapterPath(s.cfg.Adapter)
	v, err := s.caller.Property(path, adapterIface, "Powered")
	if err != nil {
		return busError(err, "read adapter power")
	}
	if powered, _ := v.Value().(bool); powered {
		return nil
	}
	s.log.Info("powering on adapter")
	if err := s.caller.Call(ctx, path, propsIface+".Set", adapterIface, "Powered", dbus.MakeVariant(true)); err != nil {
		return busError(err, "power on adapter")
	}
	return nil
}

// ConnectAudio asks BlueZ to bring up HFP for addr. The result arrives
// later as a media transport state change. false means the device is not
// connected or the request could not be sent.
func (s *Stack) ConnectAudio(addr audio.DeviceID) bool {
	path := devicePath(s.cfg.Adapter, addr)
	if !s.deviceConnected(path) {
		s.log.Warn("connect audio rejected, device not connected", logger.String("address", string(addr)))
		return false
	}
	if err := s.caller.Send(path, deviceIface+".ConnectProfile", HFPHandsfreeUUID); err != nil {
		s.log.Warn("connect audio request failed",
			logger.String("address", string(addr)),
			logger.Error(err))
		return false
	}
	s.mu.Lock()
	s.audioDevice = addr
	s.mu.Unlock()
	return true
}

// DisconnectAudio drops HFP on the device last asked to connect audio.
func (s *Stack) DisconnectAudio() {
	s.mu.Lock()
	addr := s.audioDevice
	s.audioDevice = ""
	s.mu.Unlock()
	if addr == "" {
		return
	}
	if err := s.caller.Send(devicePath(s.cfg.Adapter, addr), deviceIface+".DisconnectProfile", HFPHandsfreeUUID); err != nil {
		s.log.Warn("disconnect audio request failed",
			logger.String("address", string(addr)),
			logger.Error(err))
	}
}

// SetActiveDevice makes addr the active device. An empty addr clears it.
func (s *Stack) SetActiveDevice(addr audio.DeviceID) bool {
	if addr != "" && !s.deviceConnected(devicePath(s.cfg.Adapter, addr)) {
		return false
	}
	s.mu.Lock()
	s.active = addr
	s.mu.Unlock()
	return true
}

// ActiveDevice returns the active device or "".
func (s *Stack) ActiveDevice() audio.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Stack) IsInbandRingingEnabled() bool { return s.cfg.InbandRinging }

// markActive makes addr active when no device is; it reports whether the
// active device changed.
func (s *Stack) markActive(addr audio.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return false
	}
	s.active = addr
	return true
}

// clearActive forgets addr; it reports whether addr was the active device.
func (s *Stack) clearActive(addr audio.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioDevice == addr {
		s.audioDevice = ""
	}
	if s.active != addr {
		return false
	}
	s.active = ""
	return true
}

func (s *Stack) deviceConnected(path dbus.ObjectPath) bool {
	v, err := s.caller.Property(path, deviceIface, "Connected")
	if err != nil {
		s.log.Debug("read device state failed", logger.String("path", string(path)), logger.Error(err))
		return false
	}
	connected, _ := v.Value().(bool)
	return connected
}
