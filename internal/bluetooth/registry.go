package bluetooth

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tphakala/callaudio/internal/audio"
)

// ConnectionState is the HFP state of a single device.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	AudioOn
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case AudioOn:
		return "AUDIO_ON"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// DeviceRecord is a connected HFP device.
type DeviceRecord struct {
	Address audio.DeviceID  `json:"address"`
	State   ConnectionState `json:"-"`
	// Seq orders devices by connection time; higher is more recent.
	Seq uint64 `json:"seq"`
}

// StateName is used for JSON output.
func (r DeviceRecord) StateName() string {
	return r.State.String()
}

// Registry tracks connected HFP devices. Only the route manager goroutine
// writes to it; reads are safe from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	devices map[audio.DeviceID]*DeviceRecord
	seq     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[audio.DeviceID]*DeviceRecord)}
}

// add records a newly connected device. It reports false if the device was
// already known.
func (r *Registry) add(addr audio.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[addr]; ok {
		return false
	}
	r.seq++
	r.devices[addr] = &DeviceRecord{Address: addr, State: Connected, Seq: r.seq}
	return true
}

// remove drops a device. It reports false if the device was unknown.
func (r *Registry) remove(addr audio.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[addr]; !ok {
		return false
	}
	delete(r.devices, addr)
	return true
}

// setState updates the state of a known device.
func (r *Registry) setState(addr audio.DeviceID, state ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[addr]
	if !ok {
		return false
	}
	rec.State = state
	return true
}

// resetAudio moves every device that is connecting or carrying audio back
// to CONNECTED, except keep.
func (r *Registry) resetAudio(keep audio.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, rec := range r.devices {
		if addr != keep && (rec.State == AudioOn || rec.State == Connecting) {
			rec.State = Connected
		}
	}
}

// Get returns a copy of the record for addr.
func (r *Registry) Get(addr audio.DeviceID) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[addr]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// Contains reports whether addr is connected.
func (r *Registry) Contains(addr audio.DeviceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[addr]
	return ok
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Records returns all records, most recently connected first.
func (r *Registry) Records() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b DeviceRecord) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Addresses returns connected device addresses, most recent first.
func (r *Registry) Addresses() []audio.DeviceID {
	records := r.Records()
	out := make([]audio.DeviceID, len(records))
	for i, rec := range records {
		out[i] = rec.Address
	}
	return out
}

// MostRecent returns the most recently connected device.
func (r *Registry) MostRecent() (audio.DeviceID, bool) {
	records := r.Records()
	if len(records) == 0 {
		return "", false
	}
	return records[0].Address, true
}

// AudioDevice returns the device currently carrying HFP audio, if any. When
// more than one device claims audio the most recent wins.
func (r *Registry) AudioDevice() (audio.DeviceID, bool) {
	for _, rec := range r.Records() {
		if rec.State == AudioOn {
			return rec.Address, true
		}
	}
	return "", false
}
