package routing

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
)

const (
	bt1 audio.DeviceID = "00:11:22:33:44:01"
	bt2 audio.DeviceID = "00:11:22:33:44:02"
)

type fakeAudioManager struct {
	mu           sync.Mutex
	speakerOn    bool
	micMuted     bool
	speakerCalls []bool
	muteCalls    []bool
}

func (f *fakeAudioManager) SetSpeakerphoneOn(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speakerOn = on
	f.speakerCalls = append(f.speakerCalls, on)
}

func (f *fakeAudioManager) IsSpeakerphoneOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speakerOn
}

func (f *fakeAudioManager) RequestAudioFocusForCall(audio.StreamType, audio.FocusGain) {}
func (f *fakeAudioManager) AbandonAudioFocusForCall()                                  {}
func (f *fakeAudioManager) SetMode(audio.Mode)                                         {}

func (f *fakeAudioManager) SetMicrophoneMute(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micMuted = muted
	f.muteCalls = append(f.muteCalls, muted)
}

func (f *fakeAudioManager) IsMicrophoneMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.micMuted
}

// setMicMuted changes the platform mute state behind the machine's back.
func (f *fakeAudioManager) setMicMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micMuted = muted
}

func (f *fakeAudioManager) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speakerCalls = nil
	f.muteCalls = nil
}

func (f *fakeAudioManager) calls() (speaker, mute []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.speakerCalls), slices.Clone(f.muteCalls)
}

// fakeBluetooth stands in for the Bluetooth route manager. Connects never
// complete on their own; tests drive the outcome explicitly.
type fakeBluetooth struct {
	mu          sync.Mutex
	devices     []audio.DeviceID
	audioDevice audio.DeviceID
	pending     bool
	inband      bool
	connects    []audio.DeviceID
	disconnects int
}

func (f *fakeBluetooth) ConnectBluetoothAudio(addr audio.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, addr)
	f.pending = true
}

func (f *fakeBluetooth) DisconnectBluetoothAudio() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.audioDevice = ""
	f.pending = false
}

func (f *fakeBluetooth) ConnectedDevices() []audio.DeviceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.devices)
}

func (f *fakeBluetooth) IsBluetoothAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices) > 0
}

func (f *fakeBluetooth) IsAudioConnectedOrPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDevice != "" || f.pending
}

func (f *fakeBluetooth) AudioConnectedDevice() (audio.DeviceID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDevice, f.audioDevice != ""
}

func (f *fakeBluetooth) IsInbandRingingEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inband
}

func (f *fakeBluetooth) setAudio(addr audio.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioDevice = addr
	f.pending = false
}

func (f *fakeBluetooth) remove(addr audio.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = slices.DeleteFunc(f.devices, func(d audio.DeviceID) bool { return d == addr })
	if f.audioDevice == addr {
		f.audioDevice = ""
	}
}

func (f *fakeBluetooth) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = nil
	f.disconnects = 0
}

func (f *fakeBluetooth) calls() (connects []audio.DeviceID, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.connects), f.disconnects
}

type fakeCalls struct {
	mu        sync.Mutex
	supported audio.RouteMask
	video     bool
	emergency bool
	observer  audio.ConnectionServiceObserver
}

func (f *fakeCalls) ForegroundCallSupportedRoutes() audio.RouteMask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supported
}

func (f *fakeCalls) HasVideoCall() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.video
}

func (f *fakeCalls) HasEmergencyCall() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergency
}

func (f *fakeCalls) ForegroundCallObserver() audio.ConnectionServiceObserver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observer
}

func (f *fakeCalls) set(fn func(c *fakeCalls)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// stateRecorder implements both the calls listener and the foreground call
// observer.
type stateRecorder struct {
	mu     sync.Mutex
	states []audio.CallAudioState
}

func (r *stateRecorder) OnCallAudioStateChanged(_, updated audio.CallAudioState) {
	r.add(updated)
}

func (r *stateRecorder) add(s audio.CallAudioState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []audio.CallAudioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func (r *stateRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = nil
}

type observerRecorder struct{ stateRecorder }

func (o *observerRecorder) OnCallAudioStateChanged(s audio.CallAudioState) { o.add(s) }

type countingRinger struct {
	mu    sync.Mutex
	count int
}

func (r *countingRinger) OnRingerModeChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func (r *countingRinger) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type env struct {
	t        *testing.T
	m        *StateMachine
	am       *fakeAudioManager
	bt       *fakeBluetooth
	calls    *fakeCalls
	listener *stateRecorder
	observer *observerRecorder
	ringer   *countingRinger
}

func newEnv(t *testing.T, cfg Config, devices ...audio.DeviceID) *env {
	t.Helper()
	e := &env{
		t:        t,
		am:       &fakeAudioManager{},
		bt:       &fakeBluetooth{devices: devices},
		calls:    &fakeCalls{supported: audio.MaskAll},
		listener: &stateRecorder{},
		observer: &observerRecorder{},
		ringer:   &countingRinger{},
	}
	e.m = New(cfg, Deps{
		AudioManager: e.am,
		Bluetooth:    e.bt,
		Calls:        e.calls,
		Listener:     e.listener,
		Ringer:       e.ringer,
		Logger:       logger.NewDiscard(),
	})
	e.m.Start()
	t.Cleanup(func() {
		e.m.Quit()
		<-e.m.Done()
	})
	return e
}

func (e *env) sync() {
	e.t.Helper()
	require.NoError(e.t, e.m.Sync(e.t.Context()))
}

// start initializes the machine with state, moves it to focus and clears
// every recorder so tests only see what their action caused.
func (e *env) start(state *audio.CallAudioState, focus audio.FocusType) {
	e.t.Helper()
	e.m.Initialize(state)
	if focus != audio.NoFocus {
		e.m.SwitchFocus(focus)
	}
	e.sync()
	e.am.reset()
	e.bt.reset()
	e.listener.reset()
	e.observer.reset()
}

func (e *env) published() []audio.CallAudioState { return e.listener.snapshot() }

func initialState(route audio.Route, supported audio.RouteMask, devices ...audio.DeviceID) *audio.CallAudioState {
	s := audio.NewCallAudioState(false, route, supported, "", devices)
	return &s
}
