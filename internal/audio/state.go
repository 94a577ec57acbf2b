// Package audio defines the value types shared by the call-audio state
// machines and the ports through which they reach the platform.
package audio

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Route is a single audio output route. Values are bit flags so that routes
// can be combined into a RouteMask.
type Route int

const (
	RouteEarpiece     Route = 0x1
	RouteBluetooth    Route = 0x2
	RouteWiredHeadset Route = 0x4
	RouteSpeaker      Route = 0x8
)

// AllRoutes lists the routes in a stable order.
var AllRoutes = []Route{RouteEarpiece, RouteBluetooth, RouteWiredHeadset, RouteSpeaker}

func (r Route) String() string {
	switch r {
	case RouteEarpiece:
		return "earpiece"
	case RouteBluetooth:
		return "bluetooth"
	case RouteWiredHeadset:
		return "wired_headset"
	case RouteSpeaker:
		return "speaker"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// ParseRoute parses a route name as produced by String.
func ParseRoute(s string) (Route, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "earpiece":
		return RouteEarpiece, nil
	case "bluetooth", "bt":
		return RouteBluetooth, nil
	case "wired_headset", "headset", "wired":
		return RouteWiredHeadset, nil
	case "speaker":
		return RouteSpeaker, nil
	default:
		return 0, fmt.Errorf("unknown audio route %q", s)
	}
}

func (r Route) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Route) UnmarshalText(text []byte) error {
	parsed, err := ParseRoute(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RouteMask is a set of routes.
type RouteMask int

// MaskAll contains every route.
const MaskAll RouteMask = RouteMask(RouteEarpiece | RouteBluetooth | RouteWiredHeadset | RouteSpeaker)

// MaskOf builds a mask from individual routes.
func MaskOf(routes ...Route) RouteMask {
	var m RouteMask
	for _, r := range routes {
		m |= RouteMask(r)
	}
	return m
}

// Has reports whether r is in the mask.
func (m RouteMask) Has(r Route) bool {
	return m&RouteMask(r) != 0
}

// Routes returns the members of the mask in AllRoutes order.
func (m RouteMask) Routes() []Route {
	var out []Route
	for _, r := range AllRoutes {
		if m.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// With returns the mask with r added.
func (m RouteMask) With(r Route) RouteMask {
	return m | RouteMask(r)
}

// Without returns the mask with r removed.
func (m RouteMask) Without(r Route) RouteMask {
	return m &^ RouteMask(r)
}

func (m RouteMask) String() string {
	routes := m.Routes()
	names := make([]string, len(routes))
	for i, r := range routes {
		names[i] = r.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}

func (m RouteMask) MarshalJSON() ([]byte, error) {
	routes := m.Routes()
	if routes == nil {
		routes = []Route{}
	}
	return json.Marshal(routes)
}

func (m *RouteMask) UnmarshalJSON(data []byte) error {
	var routes []Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return err
	}
	*m = MaskOf(routes...)
	return nil
}

// DeviceID identifies a Bluetooth device by its address. The empty value
// means no device.
type DeviceID string

// CallAudioState is the observable audio state of the current call. It is
// an immutable value; construct new values with NewCallAudioState.
type CallAudioState struct {
	Muted                     bool       `json:"muted"`
	Route                     Route      `json:"route"`
	SupportedRoutes           RouteMask  `json:"supportedRoutes"`
	ActiveBluetoothDevice     DeviceID   `json:"activeBluetoothDevice,omitempty"`
	SupportedBluetoothDevices []DeviceID `json:"supportedBluetoothDevices"`
}

// NewCallAudioState builds a state with the device list sorted so that
// equality does not depend on discovery order.
func NewCallAudioState(muted bool, route Route, supported RouteMask, active DeviceID, devices []DeviceID) CallAudioState {
	sorted := slices.Clone(devices)
	slices.Sort(sorted)
	if sorted == nil {
		sorted = []DeviceID{}
	}
	return CallAudioState{
		Muted:                     muted,
		Route:                     route,
		SupportedRoutes:           supported,
		ActiveBluetoothDevice:     active,
		SupportedBluetoothDevices: sorted,
	}
}

// Equal reports value equality.
func (s CallAudioState) Equal(o CallAudioState) bool {
	return s.Muted == o.Muted &&
		s.Route == o.Route &&
		s.SupportedRoutes == o.SupportedRoutes &&
		s.ActiveBluetoothDevice == o.ActiveBluetoothDevice &&
		slices.Equal(s.SupportedBluetoothDevices, o.SupportedBluetoothDevices)
}

// IsZero reports whether the state was never initialized.
func (s CallAudioState) IsZero() bool {
	return s.Route == 0
}

func (s CallAudioState) String() string {
	active := string(s.ActiveBluetoothDevice)
	if active == "" {
		active = "none"
	}
	return fmt.Sprintf("[AudioState isMuted: %t, route: %s, supportedRoutes: %s, activeBluetoothDevice: %s, supportedBluetoothDevices: %v]",
		s.Muted, s.Route, s.SupportedRoutes, active, s.SupportedBluetoothDevices)
}
