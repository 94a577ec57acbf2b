package bluetooth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/looper"
)

const (
	device1 audio.DeviceID = "00:01:02:03:04:05"
	device2 audio.DeviceID = "00:01:02:03:04:06"
	device3 audio.DeviceID = "00:01:02:03:04:07"
)

type fakeStack struct {
	mu          sync.Mutex
	accept      bool
	active      audio.DeviceID
	inband      bool
	connects    []audio.DeviceID
	disconnects int
}

func (s *fakeStack) ConnectAudio(addr audio.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, addr)
	return s.accept
}

func (s *fakeStack) DisconnectAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeStack) SetActiveDevice(addr audio.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = addr
	return true
}

func (s *fakeStack) ActiveDevice() audio.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeStack) IsInbandRingingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inband
}

func (s *fakeStack) calls() (connects []audio.DeviceID, disconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.DeviceID(nil), s.connects...), s.disconnects
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
	failed []audio.DeviceID
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) OnBluetoothDeviceListChanged()   { l.record("list") }
func (l *recordingListener) OnBluetoothActiveDevicePresent() { l.record("present") }
func (l *recordingListener) OnBluetoothActiveDeviceGone()    { l.record("gone") }
func (l *recordingListener) OnBluetoothAudioConnected()      { l.record("connected") }
func (l *recordingListener) OnBluetoothAudioDisconnected()   { l.record("disconnected") }

func (l *recordingListener) OnBluetoothAudioConnectFailed(addr audio.DeviceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "failed")
	l.failed = append(l.failed, addr)
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.failed = nil
}

type harness struct {
	t        *testing.T
	m        *RouteManager
	stack    *fakeStack
	listener *recordingListener
	clock    *looper.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		stack:    &fakeStack{accept: true},
		listener: &recordingListener{},
		clock:    looper.NewManualClock(),
	}
	h.m = NewRouteManager(DefaultConfig(), h.stack, h.listener,
		WithClock(h.clock), WithLogger(logger.NewDiscard()))
	h.m.Start()
	t.Cleanup(func() {
		h.m.Quit()
		<-h.m.Done()
	})
	return h
}

func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.m.Sync(h.t.Context()))
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

// connectedAudio brings addr to AudioConnected the way the stack would.
func (h *harness) connectedAudio(addr audio.DeviceID) {
	h.t.Helper()
	h.m.ConnectBluetoothAudio(addr)
	h.m.HfpIsOn(addr)
	h.sync()
	require.Equal(h.t, State{Kind: AudioConnected, Device: addr}, h.m.State())
}

func TestRouteManagerTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		devices    []audio.DeviceID
		setup      func(h *harness)
		event      func(h *harness)
		wantState  State
		wantEvents []string
	}{
		{
			name:       "connect picks most recent device",
			devices:    []audio.DeviceID{device1, device2},
			event:      func(h *harness) { h.m.ConnectBluetoothAudio("") },
			wantState:  State{Kind: AudioConnecting, Device: device2},
			wantEvents: nil,
		},
		{
			name:    "connect prefers stack active device",
			devices: []audio.DeviceID{device1, device2},
			setup: func(h *harness) {
				h.stack.active = device1
			},
			event:     func(h *harness) { h.m.ConnectBluetoothAudio("") },
			wantState: State{Kind: AudioConnecting, Device: device1},
		},
		{
			name:       "audio confirmed while connecting",
			devices:    []audio.DeviceID{device1},
			setup:      func(h *harness) { h.m.ConnectBluetoothAudio(device1) },
			event:      func(h *harness) { h.m.HfpIsOn(device1) },
			wantState:  State{Kind: AudioConnected, Device: device1},
			wantEvents: []string{"connected"},
		},
		{
			name:       "confirmation from other device wins",
			devices:    []audio.DeviceID{device1, device2},
			setup:      func(h *harness) { h.m.ConnectBluetoothAudio(device1) },
			event:      func(h *harness) { h.m.HfpIsOn(device2) },
			wantState:  State{Kind: AudioConnected, Device: device2},
			wantEvents: []string{"connected"},
		},
		{
			name:       "disconnect from connected",
			devices:    []audio.DeviceID{device1},
			setup:      func(h *harness) { h.connectedAudio(device1) },
			event:      func(h *harness) { h.m.DisconnectBluetoothAudio() },
			wantState:  State{Kind: AudioOff},
			wantEvents: []string{"disconnected"},
		},
		{
			name:       "audio lost on current device",
			devices:    []audio.DeviceID{device1},
			setup:      func(h *harness) { h.connectedAudio(device1) },
			event:      func(h *harness) { h.m.HfpLost(device1) },
			wantState:  State{Kind: AudioOff},
			wantEvents: []string{"disconnected"},
		},
		{
			name:       "audio lost on other device is ignored",
			devices:    []audio.DeviceID{device1, device2},
			setup:      func(h *harness) { h.connectedAudio(device1) },
			event:      func(h *harness) { h.m.HfpLost(device2) },
			wantState:  State{Kind: AudioConnected, Device: device1},
			wantEvents: nil,
		},
		{
			name:       "active device gone while connected",
			devices:    []audio.DeviceID{device1},
			setup:      func(h *harness) { h.connectedAudio(device1) },
			event:      func(h *harness) { h.m.OnActiveDeviceChanged("") },
			wantState:  State{Kind: AudioOff},
			wantEvents: []string{"gone", "disconnected"},
		},
		{
			name:       "active device present",
			devices:    []audio.DeviceID{device1},
			event:      func(h *harness) { h.m.OnActiveDeviceChanged(device1) },
			wantState:  State{Kind: AudioOff},
			wantEvents: []string{"present"},
		},
		{
			name:       "new device notifies list change",
			event:      func(h *harness) { h.m.OnDeviceAdded(device3) },
			wantState:  State{Kind: AudioOff},
			wantEvents: []string{"list"},
		},
		{
			name:       "connect with no devices fails",
			event:      func(h *harness) { h.m.ConnectBluetoothAudio("") },
			wantState:  State{Kind: AudioOff},
			wantEvents: []string{"failed"},
		},
		{
			name:       "repeat connect to connected device is ignored",
			devices:    []audio.DeviceID{device1},
			setup:      func(h *harness) { h.connectedAudio(device1) },
			event:      func(h *harness) { h.m.ConnectBluetoothAudio(device1) },
			wantState:  State{Kind: AudioConnected, Device: device1},
			wantEvents: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			for _, d := range tt.devices {
				h.m.OnDeviceAdded(d)
			}
			h.sync()
			if tt.setup != nil {
				tt.setup(h)
				h.sync()
			}
			h.listener.reset()

			tt.event(h)
			h.sync()

			assert.Equal(t, tt.wantState, h.m.State())
			assert.Equal(t, tt.wantEvents, h.listener.snapshot())
		})
	}
}

func TestRetryBoundOnRejectedConnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stack.accept = false
	h.m.OnDeviceAdded(device1)
	h.sync()

	h.m.ConnectBluetoothAudio(device1)
	h.sync()
	assert.True(t, h.m.IsAudioConnectedOrPending(), "retry must count as pending")

	for range 5 {
		h.advance(DefaultConfig().RetryBackoff)
	}

	connects, _ := h.stack.calls()
	assert.Len(t, connects, 3)
	assert.Equal(t, State{Kind: AudioOff}, h.m.State())
	assert.Equal(t, []audio.DeviceID{device1}, h.listener.failed)
	assert.False(t, h.m.IsAudioConnectedOrPending())
	assert.Zero(t, h.clock.Pending())
}

func TestRetryBoundOnConnectionTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.OnDeviceAdded(device1)
	h.sync()
	h.listener.reset()

	h.m.ConnectBluetoothAudio(device1)
	h.sync()
	cfg := DefaultConfig()
	for range 3 {
		h.advance(cfg.ConnectionTimeout)
		h.advance(cfg.RetryBackoff)
	}

	connects, _ := h.stack.calls()
	assert.Len(t, connects, 3)
	assert.Equal(t, State{Kind: AudioOff}, h.m.State())
	assert.Equal(t, []string{"failed"}, h.listener.snapshot())
	rec, ok := h.m.Registry().Get(device1)
	require.True(t, ok)
	assert.Equal(t, Connected, rec.State)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stack.accept = false
	h.m.OnDeviceAdded(device1)
	h.m.ConnectBluetoothAudio(device1)
	h.m.DisconnectBluetoothAudio()
	h.sync()

	h.advance(time.Minute)
	connects, disconnects := h.stack.calls()
	assert.Len(t, connects, 1)
	assert.Zero(t, disconnects)
	assert.False(t, h.m.IsAudioConnectedOrPending())
}

func TestLosingActiveDeviceDoesNotFallBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.OnDeviceAdded(device1)
	h.m.OnDeviceAdded(device2)
	h.sync()
	h.connectedAudio(device1)
	h.listener.reset()

	h.m.OnDeviceLost(device1)
	h.sync()
	h.advance(time.Minute)

	connects, _ := h.stack.calls()
	assert.Equal(t, []audio.DeviceID{device1}, connects, "no connect to the remaining device")
	assert.Equal(t, State{Kind: AudioOff}, h.m.State())
	assert.Equal(t, []string{"list", "disconnected"}, h.listener.snapshot())
	assert.Equal(t, []audio.DeviceID{device2}, h.m.ConnectedDevices())
}

func TestTimeoutWithAudioOnOtherDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.OnDeviceAdded(device1)
	h.m.OnDeviceAdded(device2)
	h.sync()
	h.connectedAudio(device1)

	h.m.ConnectBluetoothAudio(device2)
	h.sync()
	require.Equal(t, State{Kind: AudioConnecting, Device: device2}, h.m.State())
	connectsBefore, disconnectsBefore := h.stack.calls()

	h.advance(DefaultConfig().ConnectionTimeout)

	connects, disconnects := h.stack.calls()
	assert.Equal(t, connectsBefore, connects)
	assert.Equal(t, disconnectsBefore, disconnects)
	assert.Equal(t, State{Kind: AudioConnected, Device: device1}, h.m.State())
	dev, ok := h.m.AudioConnectedDevice()
	require.True(t, ok)
	assert.Equal(t, device1, dev)
}

func TestStaleTimeoutIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.OnDeviceAdded(device1)
	h.sync()
	h.connectedAudio(device1)
	h.listener.reset()

	h.advance(time.Minute)
	assert.Equal(t, State{Kind: AudioConnected, Device: device1}, h.m.State())
	assert.Empty(t, h.listener.snapshot())
}

func TestPreferredDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, ok := h.m.PreferredDevice()
	assert.False(t, ok)

	h.m.OnDeviceAdded(device1)
	h.m.OnDeviceAdded(device2)
	h.sync()
	dev, _ := h.m.PreferredDevice()
	assert.Equal(t, device2, dev)

	h.m.OnActiveDeviceChanged(device1)
	h.sync()
	dev, _ = h.m.PreferredDevice()
	assert.Equal(t, device1, dev)

	h.connectedAudio(device2)
	dev, _ = h.m.PreferredDevice()
	assert.Equal(t, device2, dev)
}

func TestStateHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.OnDeviceAdded(device1)
	h.sync()
	h.connectedAudio(device1)
	h.m.HfpIsOn(device1)
	h.m.DisconnectBluetoothAudio()
	h.sync()

	history := h.m.GetStateHistory()
	require.Len(t, history, 3)
	assert.Equal(t, AudioConnecting, history[0].To.Kind)
	assert.Equal(t, AudioConnected, history[1].To.Kind)
	assert.Equal(t, AudioOff, history[2].To.Kind)
	assert.Equal(t, "disconnect requested", history[2].Reason)
}

func TestStateHistoryIsBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.m.OnDeviceAdded(device1)
	for range maxStateHistory {
		h.m.HfpIsOn(device1)
		h.m.HfpLost(device1)
	}
	h.sync()

	assert.Len(t, h.m.GetStateHistory(), maxStateHistory)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AudioOff", State{Kind: AudioOff}.String())
	assert.Equal(t, "AudioConnected:"+string(device1), State{Kind: AudioConnected, Device: device1}.String())
	assert.Equal(t, "AUDIO_ON", AudioOn.String())
}

func TestNoStack(t *testing.T) {
	t.Parallel()

	var s Stack = NoStack{}
	assert.False(t, s.ConnectAudio(device1))
	assert.False(t, s.SetActiveDevice(device1))
	assert.Empty(t, s.ActiveDevice())
	assert.False(t, s.IsInbandRingingEnabled())
	s.DisconnectAudio()
}
