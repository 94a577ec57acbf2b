// Package callaudio wires the Bluetooth route manager, the audio route state
// machine and the audio mode coordinator together and feeds them from the
// call set. It is the single entry point the rest of the program uses.
package callaudio

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/audiomode"
	"github.com/tphakala/callaudio/internal/bluetooth"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/events"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/looper"
	"github.com/tphakala/callaudio/internal/routing"
)

// Metrics is everything the three machines report.
type Metrics interface {
	bluetooth.Metrics
	routing.Metrics
	audiomode.Metrics
	looper.Observer
}

// Config holds per-machine settings.
type Config struct {
	Bluetooth bluetooth.Config
	Routing   routing.Config
}

// Deps are the platform collaborators. AudioManager, Stack and Ringer are
// required.
type Deps struct {
	AudioManager audio.Manager
	Stack        bluetooth.Stack
	Ringer       audiomode.Ringer
	StatusBar    audio.StatusBarNotifier
	Bus          *events.EventBus
	Metrics      Metrics
	Logger       logger.Logger
	Clock        looper.Clock
}

// Manager owns the call set view and the three state machines.
type Manager struct {
	bt    *bluetooth.RouteManager
	route *routing.StateMachine
	mode  *audiomode.Coordinator
	bus   *events.EventBus
	log   logger.Logger

	mu          sync.RWMutex
	calls       map[string]*Call
	order       []string
	counts      [bucketHolding + 1]int
	tonePlaying bool
	foreground  string

	listenersMu sync.RWMutex
	listeners   []audio.CallsListener
}

// New builds the machines. Call Start before reporting calls or hardware
// events.
func New(cfg Config, deps Deps) *Manager {
	log := deps.Logger
	if log == nil {
		log = logger.Global().Module("callaudio")
	}
	m := &Manager{
		bus:   deps.Bus,
		log:   log,
		calls: make(map[string]*Call),
	}

	btOpts := []bluetooth.Option{bluetooth.WithLogger(log.Module("bluetooth"))}
	if deps.Clock != nil {
		btOpts = append(btOpts, bluetooth.WithClock(deps.Clock))
	}
	if deps.Metrics != nil {
		btOpts = append(btOpts, bluetooth.WithMetrics(deps.Metrics), bluetooth.WithLooperObserver(deps.Metrics))
	}
	m.bt = bluetooth.NewRouteManager(cfg.Bluetooth, deps.Stack, m, btOpts...)

	routeDeps := routing.Deps{
		AudioManager: deps.AudioManager,
		Bluetooth:    m.bt,
		Calls:        m,
		Listener:     m,
		StatusBar:    deps.StatusBar,
		Ringer:       m,
		Logger:       log.Module("routing"),
		Clock:        deps.Clock,
	}
	if deps.Metrics != nil {
		routeDeps.Metrics = deps.Metrics
		routeDeps.Observer = deps.Metrics
	}
	m.route = routing.New(cfg.Routing, routeDeps)

	modeOpts := []audiomode.Option{
		audiomode.WithLogger(log.Module("audiomode")),
		audiomode.WithListener(m),
	}
	if deps.Metrics != nil {
		modeOpts = append(modeOpts, audiomode.WithMetrics(deps.Metrics), audiomode.WithLooperObserver(deps.Metrics))
	}
	m.mode = audiomode.New(deps.AudioManager, deps.Ringer, m.route, modeOpts...)
	return m
}

// Start runs the machines and initializes the route from the hardware.
func (m *Manager) Start() {
	m.bt.Start()
	m.route.Start()
	m.mode.Start()
	m.route.Initialize(nil)
	m.log.Info("call audio manager started")
}

// Stop quits every machine and waits for them to exit or ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	start := time.Now()
	m.mode.Quit()
	m.route.Quit()
	m.bt.Quit()
	for _, done := range []<-chan struct{}{m.mode.Done(), m.route.Done(), m.bt.Done()} {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.New(ctx.Err()).
				Component("callaudio").
				Category(errors.CategoryTimeout).
				Timing("stop_machines", time.Since(start)).
				Build()
		}
	}
	m.log.Info("call audio manager stopped")
	return nil
}

// syncRounds covers the longest causal chain between machines: Bluetooth to
// route to coordinator and back to route.
const syncRounds = 3

// Sync waits until every machine has handled what was posted before the
// call, including follow-ups the machines post to each other.
func (m *Manager) Sync(ctx context.Context) error {
	for range syncRounds {
		for _, sync := range []func(context.Context) error{m.bt.Sync, m.route.Sync, m.mode.Sync} {
			if err := sync(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bluetooth returns the Bluetooth route manager for hardware event sources.
func (m *Manager) Bluetooth() *bluetooth.RouteManager { return m.bt }

// Route returns the audio route state machine.
func (m *Manager) Route() *routing.StateMachine { return m.route }

// Mode returns the audio mode coordinator.
func (m *Manager) Mode() *audiomode.Coordinator { return m.mode }

// AddListener registers an in-process observer of published audio states.
// Listeners run on the route machine goroutine and must not block.
func (m *Manager) AddListener(l audio.CallsListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnCallAdded reports a new call.
func (m *Manager) OnCallAdded(call Call) error {
	if call.ID == "" {
		return errors.Newf("call without id").
			Component("callaudio").
			Category(errors.CategoryValidation).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[call.ID]; exists {
		return errors.Newf("call %s already added", call.ID).
			Component("callaudio").
			Category(errors.CategoryValidation).
			Context("call_id", call.ID).
			Build()
	}
	if len(m.calls) == 0 {
		m.route.Initialize(nil)
	}
	c := call
	m.calls[c.ID] = &c
	m.order = append(m.order, c.ID)
	m.log.Info("call added",
		logger.String("call_id", c.ID),
		logger.String("state", c.State.String()))

	m.enterBucketLocked(bucketOf(c.State))
	m.updateForegroundLocked()
	return nil
}

// OnCallRemoved reports that a call is gone.
func (m *Manager) OnCallRemoved(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return m.unknownCall(id)
	}
	delete(m.calls, id)
	m.order = slices.DeleteFunc(m.order, func(other string) bool { return other == id })
	m.log.Info("call removed", logger.String("call_id", id))

	m.leaveBucketLocked(bucketOf(c.State))
	m.updateForegroundLocked()
	return nil
}

// OnCallStateChanged reports a call moving to a new state.
func (m *Manager) OnCallStateChanged(id string, state CallState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return m.unknownCall(id)
	}
	old := c.State
	if old == state {
		return nil
	}
	c.State = state
	m.log.Info("call state changed",
		logger.String("call_id", id),
		logger.String("old", old.String()),
		logger.String("new", state.String()))

	if from, to := bucketOf(old), bucketOf(state); from != to {
		// Both counts move before either message carries the snapshot.
		left, entered := m.countLocked(from, -1), m.countLocked(to, 1)
		s := m.snapshotLocked()
		if left {
			m.postLeftLocked(from, s)
		}
		if entered {
			m.postEnteredLocked(to, s)
		}
	}
	m.updateForegroundLocked()
	return nil
}

// SetIsVoip changes whether a call uses VoIP audio.
func (m *Manager) SetIsVoip(id string, voip bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return m.unknownCall(id)
	}
	if c.IsVoip == voip {
		return nil
	}
	c.IsVoip = voip
	if id == m.foreground {
		m.mode.ForegroundVoipModeChange(m.snapshotLocked())
	}
	return nil
}

// OnTonePlaying reports an in-call tone starting or stopping.
func (m *Manager) OnTonePlaying(playing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tonePlaying == playing {
		return
	}
	m.tonePlaying = playing
	m.mode.TonePlaying(playing, m.snapshotLocked())
}

// Calls returns a copy of the current calls in the order they were added.
func (m *Manager) Calls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Call, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.calls[id])
	}
	return out
}

func (m *Manager) unknownCall(id string) error {
	return errors.Newf("unknown call %s", id).
		Component("callaudio").
		Category(errors.CategoryNotFound).
		Context("call_id", id).
		Build()
}

func (m *Manager) enterBucketLocked(b bucket) {
	if m.countLocked(b, 1) {
		m.postEnteredLocked(b, m.snapshotLocked())
	}
}

func (m *Manager) leaveBucketLocked(b bucket) {
	if m.countLocked(b, -1) {
		m.postLeftLocked(b, m.snapshotLocked())
	}
}

// countLocked adjusts the size of bucket b and reports whether it just
// became non-empty (delta > 0) or empty (delta < 0).
func (m *Manager) countLocked(b bucket, delta int) bool {
	if b == bucketNone {
		return false
	}
	m.counts[b] += delta
	if delta > 0 {
		return m.counts[b] == 1
	}
	return m.counts[b] == 0
}

func (m *Manager) postEnteredLocked(b bucket, s audiomode.Snapshot) {
	switch b {
	case bucketRinging:
		m.mode.NewRingingCall(s)
	case bucketActiveOrDialing:
		m.mode.NewActiveOrDialingCall(s)
	case bucketHolding:
		m.mode.NewHoldingCall(s)
	}
}

func (m *Manager) postLeftLocked(b bucket, s audiomode.Snapshot) {
	switch b {
	case bucketRinging:
		m.mode.NoMoreRingingCalls(s)
	case bucketActiveOrDialing:
		m.mode.NoMoreActiveOrDialingCalls(s)
	case bucketHolding:
		m.mode.NoMoreHoldingCalls(s)
	}
}

// updateForegroundLocked picks the newest active or dialing call, else the
// newest ringing call, else the newest held call.
func (m *Manager) updateForegroundLocked() {
	next := ""
	for _, want := range []bucket{bucketActiveOrDialing, bucketRinging, bucketHolding} {
		for i := len(m.order) - 1; i >= 0; i-- {
			if bucketOf(m.calls[m.order[i]].State) == want {
				next = m.order[i]
				break
			}
		}
		if next != "" {
			break
		}
	}
	if next == m.foreground {
		return
	}
	prevVoip := false
	if prev, ok := m.calls[m.foreground]; ok {
		prevVoip = prev.IsVoip
	}
	m.foreground = next
	m.log.Debug("foreground call changed", logger.String("call_id", next))
	m.route.UpdateSystemAudioRoute()
	if c, ok := m.calls[next]; ok && c.IsVoip != prevVoip && m.counts[bucketActiveOrDialing] > 0 {
		m.mode.ForegroundVoipModeChange(m.snapshotLocked())
	}
}

func (m *Manager) snapshotLocked() audiomode.Snapshot {
	s := audiomode.Snapshot{
		HasRingingCalls:         m.counts[bucketRinging] > 0,
		HasActiveOrDialingCalls: m.counts[bucketActiveOrDialing] > 0,
		HasHoldingCalls:         m.counts[bucketHolding] > 0,
		IsTonePlaying:           m.tonePlaying,
	}
	if c, ok := m.calls[m.foreground]; ok {
		s.ForegroundCallIsVoip = c.IsVoip
	}
	return s
}

// User requests.

// SetAudioRoute switches the route on behalf of the user. addr selects a
// Bluetooth device and may be empty.
func (m *Manager) SetAudioRoute(route audio.Route, addr audio.DeviceID) {
	m.route.UserSwitchRoute(route, addr)
}

// Mute sets the microphone mute state.
func (m *Manager) Mute(on bool) { m.route.Mute(on) }

// ToggleMute flips the microphone mute state.
func (m *Manager) ToggleMute() { m.route.ToggleMute() }

// SwitchBaseline moves to the best available route, Bluetooth included.
func (m *Manager) SwitchBaseline() { m.route.UserSwitchBaselineRoute(true) }

// Hardware events.

// WiredHeadset reports a wired headset being plugged or unplugged.
func (m *Manager) WiredHeadset(plugged bool) {
	if plugged {
		m.route.ConnectWiredHeadset()
		return
	}
	m.route.DisconnectWiredHeadset()
}

// Dock reports the device being docked or undocked.
func (m *Manager) Dock(docked bool) {
	if docked {
		m.route.ConnectDock()
		return
	}
	m.route.DisconnectDock()
}

// Read-only views.

// CurrentState returns the route machine's current audio state.
func (m *Manager) CurrentState() audio.CallAudioState { return m.route.CurrentCallAudioState() }

// BluetoothDevices returns the connected HFP devices, most recent first.
func (m *Manager) BluetoothDevices() []bluetooth.DeviceRecord {
	return m.bt.Registry().Records()
}

// ModeState returns the coordinator state and the last audio mode set.
func (m *Manager) ModeState() (audiomode.State, audio.Mode) {
	return m.mode.State(), m.mode.Mode()
}

// routing.CallInfo

func (m *Manager) ForegroundCallSupportedRoutes() audio.RouteMask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.calls[m.foreground]; ok {
		return c.routes()
	}
	return audio.MaskAll
}

func (m *Manager) HasVideoCall() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[m.foreground]
	return ok && c.IsVideo
}

func (m *Manager) HasEmergencyCall() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.calls {
		if c.IsEmergency {
			return true
		}
	}
	return false
}

func (m *Manager) ForegroundCallObserver() audio.ConnectionServiceObserver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.calls[m.foreground]; ok {
		return c.Observer
	}
	return nil
}

// routing.RingerModeNotifier

func (m *Manager) OnRingerModeChange() { m.mode.RingerModeChange() }

// audio.CallsListener

func (m *Manager) OnCallAudioStateChanged(old, updated audio.CallAudioState) {
	m.listenersMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnCallAudioStateChanged(old, updated)
	}
	m.bus.TryPublish(events.AudioStateEvent{Old: old, New: updated, Timestamp: time.Now()})
}

// audiomode.Listener

func (m *Manager) OnAudioModeChanged(state audiomode.State, mode audio.Mode) {
	m.bus.TryPublish(events.AudioModeEvent{State: state.String(), Mode: mode, Timestamp: time.Now()})
}

// bluetooth.Listener, relayed to the route machine.

func (m *Manager) OnBluetoothDeviceListChanged() {
	m.route.OnBluetoothDeviceListChanged()
	m.bus.TryPublish(events.BluetoothDevicesEvent{Devices: m.bt.ConnectedDevices(), Timestamp: time.Now()})
}

func (m *Manager) OnBluetoothActiveDevicePresent() { m.route.OnBluetoothActiveDevicePresent() }
func (m *Manager) OnBluetoothActiveDeviceGone()    { m.route.OnBluetoothActiveDeviceGone() }
func (m *Manager) OnBluetoothAudioConnected()      { m.route.OnBluetoothAudioConnected() }
func (m *Manager) OnBluetoothAudioDisconnected()   { m.route.OnBluetoothAudioDisconnected() }

func (m *Manager) OnBluetoothAudioConnectFailed(addr audio.DeviceID) {
	m.route.OnBluetoothAudioConnectFailed(addr)
}
