package scenario

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/bluetooth"
	"github.com/tphakala/callaudio/internal/callaudio"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/routing"
)

const stopTimeout = 2 * time.Second

// Result is what a run observed.
type Result struct {
	Name            string               `json:"name"`
	State           audio.CallAudioState `json:"state"`
	ModeState       string               `json:"modeState"`
	AudioMode       string               `json:"audioMode"`
	BluetoothState  string               `json:"bluetoothState"`
	Speakerphone    bool                 `json:"speakerphone"`
	ConnectAttempts int                  `json:"connectAttempts"`
	PublishedStates int                  `json:"publishedStates"`
	FocusRequests   int                  `json:"focusRequests"`
	RouteActive     bool                 `json:"routeActive"`
	Failures        []string             `json:"failures,omitempty"`
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool { return len(r.Failures) == 0 }

// Runner executes scenarios.
type Runner struct {
	bluetooth bluetooth.Config
	metrics   callaudio.Metrics
	log       logger.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithBluetoothConfig overrides the Bluetooth route manager settings.
func WithBluetoothConfig(cfg bluetooth.Config) Option {
	return func(r *Runner) { r.bluetooth = cfg }
}

// WithMetrics reports machine metrics while scenarios run.
func WithMetrics(m callaudio.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger passed to the machines.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{bluetooth: bluetooth.DefaultConfig()}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Module("scenario")
	}
	return r
}

// Run plays sc on a fresh set of machines. The returned error is about the
// run itself; unmet expectations are reported in Result.Failures.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (res *Result, err error) {
	am := &AudioManager{}
	stack := &Stack{Reject: sc.Hardware.RejectConnects}
	ringer := &Ringer{Silent: sc.Hardware.SilentRinger}
	recorder := &statesRecorder{}

	m := callaudio.New(callaudio.Config{
		Bluetooth: r.bluetooth,
		Routing: routing.Config{
			EarpieceSupported:   sc.Hardware.Earpiece,
			WiredHeadsetPlugged: sc.Hardware.WiredHeadset,
		},
	}, callaudio.Deps{
		AudioManager: am,
		Stack:        stack,
		Ringer:       ringer,
		Metrics:      r.metrics,
		Logger:       r.log.Module("machines"),
	})
	m.AddListener(recorder)
	m.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if stopErr := m.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	for _, addr := range sc.Hardware.BluetoothDevices {
		m.Bluetooth().OnDeviceAdded(audio.DeviceID(addr))
	}
	if err := m.Sync(ctx); err != nil {
		return nil, syncError(err, sc.Name, 0)
	}
	baseline := len(recorder.published())

	for i, st := range sc.Steps {
		if err := r.apply(m, am, st); err != nil {
			return nil, errors.New(err).
				Component("scenario").
				Category(errors.CategoryScenario).
				Context("scenario", sc.Name).
				Context("step", i+1).
				Context("action", st.Action).
				Build()
		}
		if err := m.Sync(ctx); err != nil {
			return nil, syncError(err, sc.Name, i+1)
		}
		r.log.Debug("step applied",
			logger.String("scenario", sc.Name),
			logger.Int("step", i+1),
			logger.String("action", st.Action),
			logger.String("route_state", m.Route().StateName()))
	}

	modeState, mode := m.ModeState()
	res = &Result{
		Name:            sc.Name,
		State:           m.CurrentState(),
		ModeState:       modeState.String(),
		AudioMode:       mode.String(),
		BluetoothState:  m.Bluetooth().State().String(),
		Speakerphone:    am.IsSpeakerphoneOn(),
		ConnectAttempts: len(stack.Connects()),
		PublishedStates: len(recorder.published()) - baseline,
		FocusRequests:   len(am.FocusRequests()),
		RouteActive:     m.Route().IsInActiveState(),
	}
	res.Failures = check(sc.Expect, res)
	if res.Passed() {
		r.log.Info("scenario passed", logger.String("scenario", sc.Name))
	} else {
		r.log.Warn("scenario failed",
			logger.String("scenario", sc.Name),
			logger.Int("failures", len(res.Failures)))
	}
	return res, nil
}

func (r *Runner) apply(m *callaudio.Manager, am *AudioManager, st Step) error {
	switch st.Action {
	case ActionCallAdded:
		state, err := parseCallState(st.State)
		if err != nil {
			return err
		}
		return m.OnCallAdded(callaudio.Call{ID: st.Call, State: state, IsVoip: st.Voip, IsVideo: st.Video})
	case ActionCallState:
		state, err := parseCallState(st.State)
		if err != nil {
			return err
		}
		return m.OnCallStateChanged(st.Call, state)
	case ActionCallRemoved:
		return m.OnCallRemoved(st.Call)
	case ActionSetVoip:
		return m.SetIsVoip(st.Call, st.Voip)
	case ActionTone:
		m.OnTonePlaying(*st.On)
	case ActionFocus:
		focus, err := parseFocus(st.Focus)
		if err != nil {
			return err
		}
		m.Route().SwitchFocus(focus)
	case ActionRoute:
		route, err := parseRoute(st.Route)
		if err != nil {
			return err
		}
		m.SetAudioRoute(route, audio.DeviceID(st.Device))
	case ActionMute:
		m.Mute(*st.On)
	case ActionToggleMute:
		m.ToggleMute()
	case ActionMuteExternal:
		am.MuteExternally(st.On == nil || *st.On)
		m.Route().MuteExternallyChanged()
	case ActionBaseline:
		m.SwitchBaseline()
	case ActionWiredHeadset:
		m.WiredHeadset(*st.On)
	case ActionDock:
		m.Dock(*st.On)
	case ActionDisconnectHfp:
		m.Route().DisconnectHfp()
	case ActionBtDeviceAdded:
		m.Bluetooth().OnDeviceAdded(audio.DeviceID(st.Device))
	case ActionBtDeviceLost:
		m.Bluetooth().OnDeviceLost(audio.DeviceID(st.Device))
	case ActionBtActiveDevice:
		m.Bluetooth().OnActiveDeviceChanged(audio.DeviceID(st.Device))
	case ActionBtHfpOn:
		m.Bluetooth().HfpIsOn(audio.DeviceID(st.Device))
	case ActionBtHfpLost:
		m.Bluetooth().HfpLost(audio.DeviceID(st.Device))
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

func check(want Expect, got *Result) []string {
	var failures []string
	fail := func(field string, want, got any) {
		failures = append(failures, fmt.Sprintf("%s: want %v, got %v", field, want, got))
	}

	if want.Route != "" {
		if route, err := parseRoute(want.Route); err != nil || route != got.State.Route {
			fail("route", want.Route, got.State.Route)
		}
	}
	if want.Muted != nil && *want.Muted != got.State.Muted {
		fail("muted", *want.Muted, got.State.Muted)
	}
	if want.SupportedRoutes != nil {
		var mask audio.RouteMask
		for _, name := range want.SupportedRoutes {
			route, err := parseRoute(name)
			if err != nil {
				fail("supported_routes", want.SupportedRoutes, got.State.SupportedRoutes)
				break
			}
			mask = mask.With(route)
		}
		if mask != got.State.SupportedRoutes {
			fail("supported_routes", mask, got.State.SupportedRoutes)
		}
	}
	if want.ActiveDevice != nil && audio.DeviceID(*want.ActiveDevice) != got.State.ActiveBluetoothDevice {
		fail("active_device", *want.ActiveDevice, got.State.ActiveBluetoothDevice)
	}
	if want.ModeState != "" && want.ModeState != got.ModeState {
		fail("mode_state", want.ModeState, got.ModeState)
	}
	if want.AudioMode != "" && want.AudioMode != got.AudioMode {
		fail("audio_mode", want.AudioMode, got.AudioMode)
	}
	if want.Speakerphone != nil && *want.Speakerphone != got.Speakerphone {
		fail("speakerphone", *want.Speakerphone, got.Speakerphone)
	}
	if want.BluetoothState != "" && want.BluetoothState != got.BluetoothState {
		fail("bluetooth_state", want.BluetoothState, got.BluetoothState)
	}
	if want.ConnectAttempts != nil && *want.ConnectAttempts != got.ConnectAttempts {
		fail("connect_attempts", *want.ConnectAttempts, got.ConnectAttempts)
	}
	if want.PublishedStates != nil && *want.PublishedStates != got.PublishedStates {
		fail("published_states", *want.PublishedStates, got.PublishedStates)
	}
	if want.FocusRequests != nil && *want.FocusRequests != got.FocusRequests {
		fail("focus_requests", *want.FocusRequests, got.FocusRequests)
	}
	if want.RouteInActive != nil && *want.RouteInActive != got.RouteActive {
		fail("route_active", *want.RouteInActive, got.RouteActive)
	}
	return failures
}

func parseCallState(s string) (callaudio.CallState, error) {
	return callaudio.ParseCallState(s)
}

func parseFocus(s string) (audio.FocusType, error) {
	switch strings.ToLower(s) {
	case "none", "no_focus":
		return audio.NoFocus, nil
	case "active", "active_focus":
		return audio.ActiveFocus, nil
	case "ringing", "ringing_focus":
		return audio.RingingFocus, nil
	default:
		return 0, fmt.Errorf("unknown focus %q", s)
	}
}

func parseRoute(s string) (audio.Route, error) {
	return audio.ParseRoute(s)
}

func syncError(err error, name string, step int) error {
	return errors.New(err).
		Component("scenario").
		Category(errors.CategoryTimeout).
		Context("scenario", name).
		Context("step", step).
		Build()
}
