// Package scenario runs scripted call audio scenarios against the real
// state machines with in-memory platform fakes. Scenarios are YAML files.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/callaudio/internal/errors"
)

// Scenario is one scripted run.
type Scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Hardware    Hardware `yaml:"hardware"`
	Steps       []Step   `yaml:"steps"`
	Expect      Expect   `yaml:"expect"`
}

// Hardware is the state of the device before the first step.
type Hardware struct {
	Earpiece         bool     `yaml:"earpiece"`
	WiredHeadset     bool     `yaml:"wired_headset"`
	BluetoothDevices []string `yaml:"bluetooth_devices"`
	// RejectConnects makes every Bluetooth audio connect fail synchronously.
	RejectConnects bool `yaml:"reject_connects"`
	// SilentRinger makes the ringer refuse to ring.
	SilentRinger bool `yaml:"silent_ringer"`
}

// Step is one event. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`
	Call   string `yaml:"call,omitempty"`
	State  string `yaml:"state,omitempty"`
	Route  string `yaml:"route,omitempty"`
	Device string `yaml:"device,omitempty"`
	Focus  string `yaml:"focus,omitempty"`
	On     *bool  `yaml:"on,omitempty"`
	Voip   bool   `yaml:"voip,omitempty"`
	Video  bool   `yaml:"video,omitempty"`
}

// Expect lists the checks made after the last step. Empty fields are not
// checked.
type Expect struct {
	Route           string   `yaml:"route,omitempty"`
	Muted           *bool    `yaml:"muted,omitempty"`
	SupportedRoutes []string `yaml:"supported_routes,omitempty"`
	ActiveDevice    *string  `yaml:"active_device,omitempty"`
	ModeState       string   `yaml:"mode_state,omitempty"`
	AudioMode       string   `yaml:"audio_mode,omitempty"`
	Speakerphone    *bool    `yaml:"speakerphone,omitempty"`
	BluetoothState  string   `yaml:"bluetooth_state,omitempty"`
	ConnectAttempts *int     `yaml:"connect_attempts,omitempty"`
	PublishedStates *int     `yaml:"published_states,omitempty"`
	FocusRequests   *int     `yaml:"focus_requests,omitempty"`
	RouteInActive   *bool    `yaml:"route_active,omitempty"`
}

// Step actions.
const (
	ActionCallAdded      = "call_added"
	ActionCallState      = "call_state"
	ActionCallRemoved    = "call_removed"
	ActionSetVoip        = "set_voip"
	ActionTone           = "tone"
	ActionFocus          = "focus"
	ActionRoute          = "route"
	ActionMute           = "mute"
	ActionToggleMute     = "toggle_mute"
	ActionBaseline       = "baseline"
	ActionWiredHeadset   = "wired_headset"
	ActionDock           = "dock"
	ActionBtDeviceAdded  = "bt_device_added"
	ActionBtDeviceLost   = "bt_device_lost"
	ActionBtActiveDevice = "bt_active_device"
	ActionBtHfpOn        = "bt_hfp_on"
	ActionBtHfpLost      = "bt_hfp_lost"
	ActionDisconnectHfp  = "disconnect_hfp"
	ActionMuteExternal   = "mute_external"
)

var actions = []string{
	ActionCallAdded, ActionCallState, ActionCallRemoved, ActionSetVoip, ActionTone,
	ActionFocus, ActionRoute, ActionMute, ActionToggleMute, ActionBaseline,
	ActionWiredHeadset, ActionDock, ActionBtDeviceAdded, ActionBtDeviceLost,
	ActionBtActiveDevice, ActionBtHfpOn, ActionBtHfpLost, ActionDisconnectHfp,
	ActionMuteExternal,
}

// Parse decodes and validates a scenario. Unknown keys are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, errors.New(err).
			Component("scenario").
			Category(errors.CategoryValidation).
			Context("operation", "decode").
			Build()
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component("scenario").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if sc.Name == "" {
		sc.Name = path
	}
	return sc, nil
}

// Validate checks that every step names a known action with the fields it
// needs.
func (sc *Scenario) Validate() error {
	var problems []string
	for i, st := range sc.Steps {
		if msg := st.problem(); msg != "" {
			problems = append(problems, fmt.Sprintf("step %d (%s): %s", i+1, st.Action, msg))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid scenario %q: %v", sc.Name, problems).
		Component("scenario").
		Category(errors.CategoryValidation).
		Context("problems", len(problems)).
		Build()
}

func (st Step) problem() string {
	if !slices.Contains(actions, st.Action) {
		return "unknown action"
	}
	switch st.Action {
	case ActionCallAdded, ActionCallState:
		if st.Call == "" || st.State == "" {
			return "call and state are required"
		}
		if _, err := parseCallState(st.State); err != nil {
			return err.Error()
		}
	case ActionCallRemoved, ActionSetVoip:
		if st.Call == "" {
			return "call is required"
		}
	case ActionTone, ActionMute, ActionWiredHeadset, ActionDock:
		if st.On == nil {
			return "on is required"
		}
	case ActionFocus:
		if _, err := parseFocus(st.Focus); err != nil {
			return err.Error()
		}
	case ActionRoute:
		if _, err := parseRoute(st.Route); err != nil {
			return err.Error()
		}
	case ActionBtDeviceAdded, ActionBtDeviceLost, ActionBtHfpOn, ActionBtHfpLost:
		if st.Device == "" {
			return "device is required"
		}
	}
	return ""
}
