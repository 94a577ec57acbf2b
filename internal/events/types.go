// Package events provides an asynchronous event bus that fans call audio
// state changes and errors out to consumers (MQTT, websocket clients,
// metrics) without ever blocking the state machines that publish them.
package events

import (
	"time"

	"github.com/tphakala/callaudio/internal/audio"
)

// EventType identifies the kind of an event.
type EventType string

const (
	TypeAudioState       EventType = "audio_state"
	TypeAudioMode        EventType = "audio_mode"
	TypeBluetoothDevices EventType = "bluetooth_devices"
	TypeError            EventType = "error"
)

// Event is anything that can travel on the bus.
type Event interface {
	Type() EventType
	GetTimestamp() time.Time
}

// EventConsumer processes events delivered by the bus. ProcessEvent runs on
// a bus worker and should not block for long.
type EventConsumer interface {
	// Name returns the consumer name for identification
	Name() string

	// ProcessEvent processes a single event
	ProcessEvent(event Event) error
}

// EventBusStats contains runtime statistics for monitoring
type EventBusStats struct {
	EventsReceived   uint64 `json:"eventsReceived"`
	EventsSuppressed uint64 `json:"eventsSuppressed"`
	EventsProcessed  uint64 `json:"eventsProcessed"`
	EventsDropped    uint64 `json:"eventsDropped"`
	ConsumerErrors   uint64 `json:"consumerErrors"`
}

// AudioStateEvent reports a published call audio state change.
type AudioStateEvent struct {
	Old       audio.CallAudioState `json:"old"`
	New       audio.CallAudioState `json:"new"`
	Session   string               `json:"session,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

func (e AudioStateEvent) Type() EventType         { return TypeAudioState }
func (e AudioStateEvent) GetTimestamp() time.Time { return e.Timestamp }

// AudioModeEvent reports a change of the audio mode coordinator state.
type AudioModeEvent struct {
	State     string     `json:"state"`
	Mode      audio.Mode `json:"mode"`
	Timestamp time.Time  `json:"timestamp"`
}

func (e AudioModeEvent) Type() EventType         { return TypeAudioMode }
func (e AudioModeEvent) GetTimestamp() time.Time { return e.Timestamp }

// BluetoothDevicesEvent reports the connected HFP device list.
type BluetoothDevicesEvent struct {
	Devices   []audio.DeviceID `json:"devices"`
	Timestamp time.Time        `json:"timestamp"`
}

func (e BluetoothDevicesEvent) Type() EventType         { return TypeBluetoothDevices }
func (e BluetoothDevicesEvent) GetTimestamp() time.Time { return e.Timestamp }

// ErrorSource is the view of an enhanced error the bus needs. The errors
// package publishes values satisfying it without importing this package.
type ErrorSource interface {
	error
	GetComponent() string
	GetCategory() string
	GetContext() map[string]any
	GetTimestamp() time.Time
	GetMessage() string
}

// ErrorEvent carries an error reported through the errors package.
type ErrorEvent struct {
	ErrorSource
}

func (e ErrorEvent) Type() EventType { return TypeError }
