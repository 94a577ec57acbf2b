// Package routing owns the current call audio route. A single state machine
// reacts to focus changes, wired headset and dock events, Bluetooth
// callbacks and user requests, drives the platform audio manager and
// publishes the resulting CallAudioState.
package routing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/looper"
)

// BluetoothRouter is the view of the Bluetooth route manager the machine
// needs. All Bluetooth hardware access goes through it.
type BluetoothRouter interface {
	ConnectBluetoothAudio(addr audio.DeviceID)
	DisconnectBluetoothAudio()
	ConnectedDevices() []audio.DeviceID
	IsBluetoothAvailable() bool
	IsAudioConnectedOrPending() bool
	AudioConnectedDevice() (audio.DeviceID, bool)
	IsInbandRingingEnabled() bool
}

// CallInfo answers questions about the current call set.
type CallInfo interface {
	// ForegroundCallSupportedRoutes returns the routes the foreground call
	// allows, or MaskAll when there is no foreground call.
	ForegroundCallSupportedRoutes() audio.RouteMask
	HasVideoCall() bool
	HasEmergencyCall() bool
	// ForegroundCallObserver returns nil when there is no foreground call.
	ForegroundCallObserver() audio.ConnectionServiceObserver
}

// RingerModeNotifier is told when Bluetooth audio comes up so ringing can
// be re-evaluated.
type RingerModeNotifier interface {
	OnRingerModeChange()
}

// Metrics receives route machine counters.
type Metrics interface {
	RouteTransition(from, to string)
	AudioStatePublished(state audio.CallAudioState)
}

// Config describes the device hardware at startup.
type Config struct {
	EarpieceSupported   bool
	WiredHeadsetPlugged bool
}

// Deps are the collaborators of a StateMachine. AudioManager, Bluetooth,
// Calls and Listener are required.
type Deps struct {
	AudioManager audio.Manager
	Bluetooth    BluetoothRouter
	Calls        CallInfo
	Listener     audio.CallsListener
	StatusBar    audio.StatusBarNotifier
	Ringer       RingerModeNotifier
	Metrics      Metrics
	Logger       logger.Logger
	Clock        looper.Clock
	Observer     looper.Observer
}

// StateMachine is the audio route state machine. Every operation is posted
// to its looper and handled in arrival order; internal follow-up messages
// run before the next posted message.
type StateMachine struct {
	cfg       Config
	am        audio.Manager
	bt        BluetoothRouter
	calls     CallInfo
	listener  audio.CallsListener
	statusBar audio.StatusBarNotifier
	ringer    RingerModeNotifier
	metrics   Metrics
	log       logger.Logger
	looper    *looper.Looper
	quit      atomic.Bool

	// Owned by the looper goroutine.
	current               stateID
	deviceSupportedRoutes audio.RouteMask
	availableRoutes       audio.RouteMask
	focus                 audio.FocusType
	muted                 bool
	wasOnSpeaker          bool
	userLeftBluetooth     bool
	bluetoothRequested    bool
	headsetPlugged        bool
	lastKnown             audio.CallAudioState
	internal              []looper.Message
	forcePublish          bool
	publishMute           bool
	resend                bool

	mu       sync.RWMutex
	snapshot audio.CallAudioState
	active   bool
	name     string
}

// New creates a machine in the quiescent speaker state. Call Start, then
// Initialize.
func New(cfg Config, deps Deps) *StateMachine {
	m := &StateMachine{
		cfg:            cfg,
		am:             deps.AudioManager,
		bt:             deps.Bluetooth,
		calls:          deps.Calls,
		listener:       deps.Listener,
		statusBar:      deps.StatusBar,
		ringer:         deps.Ringer,
		metrics:        deps.Metrics,
		log:            deps.Logger,
		current:        stateQuiescentSpeaker,
		focus:          audio.NoFocus,
		headsetPlugged: cfg.WiredHeadsetPlugged,
		name:           stateQuiescentSpeaker.String(),
	}
	if m.log == nil {
		m.log = logger.Global().Module("routing")
	}
	m.deviceSupportedRoutes = audio.MaskOf(audio.RouteSpeaker)
	m.availableRoutes = m.deviceSupportedRoutes

	opts := []looper.Option{looper.WithLogger(m.log), looper.WithNames(messageName)}
	if deps.Clock != nil {
		opts = append(opts, looper.WithClock(deps.Clock))
	}
	if deps.Observer != nil {
		opts = append(opts, looper.WithObserver(deps.Observer))
	}
	m.looper = looper.New("routing", looper.HandlerFunc(m.handleMessage), opts...)
	return m
}

// Start begins processing messages.
func (m *StateMachine) Start() { m.looper.Start() }

// Quit stops the machine. Queued messages are dropped and no notification
// is sent afterwards.
func (m *StateMachine) Quit() {
	m.quit.Store(true)
	m.looper.Quit()
}

// Done is closed once the machine goroutine has exited.
func (m *StateMachine) Done() <-chan struct{} { return m.looper.Done() }

// Sync waits until every message posted before the call has settled.
func (m *StateMachine) Sync(ctx context.Context) error { return m.looper.Sync(ctx) }

// Initialize sets the starting state without touching the platform. A nil
// state is computed from the current hardware.
func (m *StateMachine) Initialize(state *audio.CallAudioState) {
	m.looper.Send(looper.Message{What: msgInitialize, Obj: state})
}

// SwitchFocus changes the audio focus the machine holds.
func (m *StateMachine) SwitchFocus(focus audio.FocusType) {
	m.post(msgSwitchFocus, int(focus), nil)
}

// SwitchRoute requests a route on behalf of the system. addr selects a
// Bluetooth device and is ignored for other routes.
func (m *StateMachine) SwitchRoute(route audio.Route, addr audio.DeviceID) {
	m.postRoute(route, addr, false)
}

// UserSwitchRoute requests a route on behalf of the user.
func (m *StateMachine) UserSwitchRoute(route audio.Route, addr audio.DeviceID) {
	m.postRoute(route, addr, true)
}

func (m *StateMachine) postRoute(route audio.Route, addr audio.DeviceID, user bool) {
	var what int
	switch route {
	case audio.RouteEarpiece:
		what = msgSwitchEarpiece
	case audio.RouteBluetooth:
		what = msgSwitchBluetooth
	case audio.RouteWiredHeadset:
		what = msgSwitchHeadset
	case audio.RouteSpeaker:
		what = msgSwitchSpeaker
	default:
		m.log.Warn("ignoring switch to unknown route", logger.Int("route", int(route)))
		return
	}
	if user {
		what += msgUserSwitchEarpiece - msgSwitchEarpiece
	}
	var obj any
	if route == audio.RouteBluetooth && addr != "" {
		obj = addr
	}
	m.post(what, 0, obj)
}

// SwitchBaselineRoute moves to the best available route.
func (m *StateMachine) SwitchBaselineRoute(includeBluetooth bool) {
	m.post(msgSwitchBaselineRoute, baselineArg(includeBluetooth), nil)
}

// UserSwitchBaselineRoute is SwitchBaselineRoute on behalf of the user.
func (m *StateMachine) UserSwitchBaselineRoute(includeBluetooth bool) {
	m.post(msgUserSwitchBaselineRoute, baselineArg(includeBluetooth), nil)
}

func baselineArg(includeBluetooth bool) int {
	if includeBluetooth {
		return includeBluetoothInBaseline
	}
	return noIncludeBluetoothInBaseline
}

func (m *StateMachine) ConnectWiredHeadset()    { m.post(msgConnectWiredHeadset, 0, nil) }
func (m *StateMachine) DisconnectWiredHeadset() { m.post(msgDisconnectWiredHeadset, 0, nil) }
func (m *StateMachine) ConnectDock()            { m.post(msgConnectDock, 0, nil) }
func (m *StateMachine) DisconnectDock()         { m.post(msgDisconnectDock, 0, nil) }

// DisconnectHfp forces audio off Bluetooth.
func (m *StateMachine) DisconnectHfp() { m.post(msgDisconnectHfp, 0, nil) }

// Mute sets the microphone mute state.
func (m *StateMachine) Mute(on bool) {
	if on {
		m.post(msgMuteOn, 0, nil)
		return
	}
	m.post(msgMuteOff, 0, nil)
}

func (m *StateMachine) ToggleMute() { m.post(msgToggleMute, 0, nil) }

// MuteExternallyChanged reports that something else changed the microphone
// mute state.
func (m *StateMachine) MuteExternallyChanged() { m.post(msgMuteExternallyChanged, 0, nil) }

// UpdateSystemAudioRoute re-evaluates routes after the foreground call
// changed.
func (m *StateMachine) UpdateSystemAudioRoute() { m.post(msgUpdateSystemAudioRoute, 0, nil) }

// Bluetooth route manager callbacks.

func (m *StateMachine) OnBluetoothDeviceListChanged() { m.post(msgBluetoothDeviceListChanged, 0, nil) }
func (m *StateMachine) OnBluetoothActiveDevicePresent() {
	m.post(msgBtActiveDevicePresent, 0, nil)
}
func (m *StateMachine) OnBluetoothActiveDeviceGone() { m.post(msgBtActiveDeviceGone, 0, nil) }
func (m *StateMachine) OnBluetoothAudioConnected()   { m.post(msgBtAudioConnected, 0, nil) }
func (m *StateMachine) OnBluetoothAudioDisconnected() {
	m.post(msgBtAudioDisconnected, 0, nil)
}
func (m *StateMachine) OnBluetoothAudioConnectFailed(addr audio.DeviceID) {
	m.post(msgBtAudioConnectFailed, 0, addr)
}

func (m *StateMachine) post(what, arg int, obj any) {
	m.looper.Send(looper.Message{What: what, Arg1: arg, Obj: obj})
}

// CurrentCallAudioState returns the machine's view of the audio state,
// including changes made while quiescent that were not published.
func (m *StateMachine) CurrentCallAudioState() audio.CallAudioState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// IsInActiveState reports whether the machine holds call audio focus.
func (m *StateMachine) IsInActiveState() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// StateName returns the name of the current state.
func (m *StateMachine) StateName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *StateMachine) handleMessage(msg looper.Message) {
	log := m.log
	m.log = log.With(logger.Session(msg.Session))
	defer func() { m.log = log }()

	m.process(msg)
	for len(m.internal) > 0 {
		next := m.internal[0]
		m.internal = m.internal[1:]
		next.Session = msg.Session
		m.process(next)
	}
	m.internal = nil
	m.settle()
}

// sendInternal queues a follow-up message that runs before any message
// posted from outside.
func (m *StateMachine) sendInternal(msg looper.Message) {
	m.internal = append(m.internal, msg)
}

func (m *StateMachine) process(msg looper.Message) {
	m.log.Debug("processing message",
		logger.String("message", messageName(msg.What)),
		logger.String("state", m.current.String()))

	if msg.What == msgInitialize {
		state, _ := msg.Obj.(*audio.CallAudioState)
		m.initialize(state)
		return
	}
	if m.processCommon(msg) || m.processGroup(msg) || m.processLeaf(msg) {
		return
	}
	m.unhandledMessage(msg)
}

// unhandledMessage covers state-independent work such as muting.
func (m *StateMachine) unhandledMessage(msg looper.Message) {
	switch msg.What {
	case msgMuteOn:
		m.setMuteOn(true)
		m.publishMute = true
	case msgMuteOff:
		m.setMuteOn(false)
		m.publishMute = true
	case msgMuteExternallyChanged:
		if m.calls.HasEmergencyCall() {
			m.log.Info("mute changed externally during emergency call, forcing mute off")
			m.setMuteOn(false)
			m.publishMute = true
			return
		}
		m.muted = m.am.IsMicrophoneMute()
		if m.current.isActive() {
			m.publishMute = true
		}
	case msgToggleMute:
		if m.muted {
			m.sendInternal(looper.Message{What: msgMuteOff})
		} else {
			m.sendInternal(looper.Message{What: msgMuteOn})
		}
	case msgUpdateSystemAudioRoute:
		m.updateRouteForForegroundCall()
		m.resend = true
	default:
		m.log.Debug("message ignored in state",
			logger.String("message", messageName(msg.What)),
			logger.String("state", m.current.String()))
	}
}

// initialize installs a starting state. Only the quiescent entry actions run.
func (m *StateMachine) initialize(state *audio.CallAudioState) {
	initState := m.initialAudioState()
	if state != nil {
		initState = *state
		m.headsetPlugged = initState.SupportedRoutes.Has(audio.RouteWiredHeadset)
	}
	callRoutes := m.calls.ForegroundCallSupportedRoutes()
	if !callRoutes.Has(initState.Route) {
		m.log.Warn("initial route not supported by call",
			logger.String("route", initState.Route.String()),
			logger.String("call_routes", callRoutes.String()))
	}
	m.lastKnown = initState
	m.deviceSupportedRoutes = initState.SupportedRoutes
	m.availableRoutes = m.deviceSupportedRoutes & callRoutes
	m.muted = initState.Muted
	m.wasOnSpeaker = false
	m.forcePublish = false
	if m.statusBar != nil {
		m.statusBar.NotifyMute(initState.Muted)
		m.statusBar.NotifySpeakerphone(initState.Route == audio.RouteSpeaker)
	}
	m.log.Info("route machine initialized", logger.String("state", initState.String()))
	m.current = quiescentState(initState.Route)
	m.enter(m.current)
}

// initialAudioState derives a state from the hardware: Bluetooth if a device
// already carries audio, then wired headset, then earpiece, then speaker.
func (m *StateMachine) initialAudioState() audio.CallAudioState {
	supported := m.calculateSupportedRoutes() & m.calls.ForegroundCallSupportedRoutes()
	_, btAudio := m.bt.AudioConnectedDevice()
	var route audio.Route
	switch {
	case supported.Has(audio.RouteBluetooth) && btAudio:
		route = audio.RouteBluetooth
	case supported.Has(audio.RouteWiredHeadset):
		route = audio.RouteWiredHeadset
	case supported.Has(audio.RouteEarpiece):
		route = audio.RouteEarpiece
	default:
		route = audio.RouteSpeaker
	}
	return audio.NewCallAudioState(false, route, supported, "", m.bt.ConnectedDevices())
}

func (m *StateMachine) calculateSupportedRoutes() audio.RouteMask {
	mask := audio.MaskOf(audio.RouteSpeaker)
	if m.headsetPlugged {
		mask = mask.With(audio.RouteWiredHeadset)
	} else if m.cfg.EarpieceSupported {
		mask = mask.With(audio.RouteEarpiece)
	}
	if m.bt.IsBluetoothAvailable() {
		mask = mask.With(audio.RouteBluetooth)
	}
	return mask
}

// reinitialize drops back to the quiescent state the hardware suggests.
func (m *StateMachine) reinitialize() {
	initState := m.initialAudioState()
	m.deviceSupportedRoutes = initState.SupportedRoutes
	m.availableRoutes = m.deviceSupportedRoutes & m.calls.ForegroundCallSupportedRoutes()
	m.setSpeakerphoneOn(initState.Route == audio.RouteSpeaker)
	m.setMuteOn(initState.Muted)
	m.wasOnSpeaker = false
	m.userLeftBluetooth = false
	m.bluetoothRequested = false
	m.lastKnown = initState
	m.transitionTo(quiescentState(initState.Route))
}

func (m *StateMachine) updateRouteForForegroundCall() {
	m.availableRoutes = m.deviceSupportedRoutes & m.calls.ForegroundCallSupportedRoutes()
	if !m.availableRoutes.Has(m.current.route()) {
		m.sendInternal(looper.Message{What: m.baselineRouteMessage(false, true)})
	}
}

// baselineRouteMessage picks the switch message for the best available
// route: wired headset, earpiece, Bluetooth, then speaker. Video calls skip
// the earpiece unless the user asked.
func (m *StateMachine) baselineRouteMessage(explicitUserRequest, includeBluetooth bool) int {
	skipEarpiece := !explicitUserRequest && m.calls.HasVideoCall()
	var what int
	switch {
	case m.availableRoutes.Has(audio.RouteWiredHeadset):
		what = msgSwitchHeadset
	case m.availableRoutes.Has(audio.RouteEarpiece) && !skipEarpiece:
		what = msgSwitchEarpiece
	case m.availableRoutes.Has(audio.RouteBluetooth) && includeBluetooth && !m.userLeftBluetooth:
		what = msgSwitchBluetooth
	default:
		what = msgSwitchSpeaker
	}
	if explicitUserRequest {
		what += msgUserSwitchEarpiece - msgSwitchEarpiece
	}
	return what
}

func (m *StateMachine) modifyRoutes(base, remove, add audio.RouteMask, considerCurrentCall bool) audio.RouteMask {
	base &^= remove
	if considerCurrentCall {
		add &= m.calls.ForegroundCallSupportedRoutes()
	}
	return base | add
}

func (m *StateMachine) setSpeakerphoneOn(on bool) {
	m.log.Info("setting speakerphone", logger.Bool("on", on))
	m.am.SetSpeakerphoneOn(on)
	if m.statusBar != nil {
		m.statusBar.NotifySpeakerphone(on)
	}
}

// setBluetoothOn connects Bluetooth audio. An empty address means any
// device; if audio is already up it is reused.
func (m *StateMachine) setBluetoothOn(addr audio.DeviceID) {
	if !m.bt.IsBluetoothAvailable() {
		return
	}
	connected, ok := m.bt.AudioConnectedDevice()
	if addr == "" && ok {
		m.log.Info("bluetooth audio already on, skipping connect")
		m.sendInternal(looper.Message{What: msgBtAudioConnected})
		return
	}
	if !ok || addr != connected {
		m.log.Info("connecting bluetooth audio", logger.String("device", string(addr)))
		m.bluetoothRequested = true
		m.bt.ConnectBluetoothAudio(addr)
	}
}

func (m *StateMachine) setBluetoothOff() {
	m.bluetoothRequested = false
	if m.bt.IsBluetoothAvailable() && m.bt.IsAudioConnectedOrPending() {
		m.log.Info("disconnecting bluetooth audio")
		m.bt.DisconnectBluetoothAudio()
	}
}

func (m *StateMachine) setMuteOn(mute bool) {
	m.muted = mute
	if mute != m.am.IsMicrophoneMute() && m.current.isActive() {
		m.log.Info("changing microphone mute", logger.Bool("muted", mute))
		m.am.SetMicrophoneMute(mute)
	}
}

func (m *StateMachine) notifyRingerModeChange() {
	if m.ringer != nil {
		m.ringer.OnRingerModeChange()
	}
}

// deriveState builds the CallAudioState for the current state. The active
// Bluetooth device is reported only on the Bluetooth route and only once it
// carries audio.
func (m *StateMachine) deriveState() audio.CallAudioState {
	route := m.current.route()
	var active audio.DeviceID
	if route == audio.RouteBluetooth {
		active, _ = m.bt.AudioConnectedDevice()
	}
	return audio.NewCallAudioState(m.muted, route, m.availableRoutes, active, m.bt.ConnectedDevices())
}

// settle runs once all internal messages of a posted message are done. It
// refreshes the snapshot and publishes when the state is observable and
// changed.
func (m *StateMachine) settle() {
	state := m.deriveState()
	force, mute, resend := m.forcePublish, m.publishMute, m.resend
	m.forcePublish, m.publishMute, m.resend = false, false, false

	m.mu.Lock()
	m.snapshot = state
	m.active = m.current.isActive()
	m.name = m.current.String()
	m.mu.Unlock()

	if (m.current.publishes() || mute) && (force || !state.Equal(m.lastKnown)) {
		m.publish(state)
		return
	}
	if resend && !m.lastKnown.IsZero() {
		if obs := m.calls.ForegroundCallObserver(); obs != nil && !m.quit.Load() {
			obs.OnCallAudioStateChanged(m.lastKnown)
		}
	}
}

func (m *StateMachine) publish(state audio.CallAudioState) {
	if m.quit.Load() {
		return
	}
	old := m.lastKnown
	m.lastKnown = state
	m.log.Info("call audio state changed",
		logger.String("old", old.String()),
		logger.String("new", state.String()))
	if m.statusBar != nil {
		m.statusBar.NotifyMute(state.Muted)
	}
	m.listener.OnCallAudioStateChanged(old, state)
	if obs := m.calls.ForegroundCallObserver(); obs != nil {
		obs.OnCallAudioStateChanged(state)
	}
	if m.metrics != nil {
		m.metrics.AudioStatePublished(state)
	}
}
