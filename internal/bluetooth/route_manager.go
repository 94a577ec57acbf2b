// Package bluetooth tracks connected HFP devices and drives the HFP audio
// link: connecting, disconnecting, retrying failed connects and timing out
// connects that the stack never confirms.
package bluetooth

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/looper"
)

// Stack is the platform Bluetooth headset service.
type Stack interface {
	// ConnectAudio starts an SCO connection; false means the request was
	// rejected synchronously.
	ConnectAudio(addr audio.DeviceID) bool
	DisconnectAudio()
	SetActiveDevice(addr audio.DeviceID) bool
	ActiveDevice() audio.DeviceID
	IsInbandRingingEnabled() bool
}

// NoStack is the Stack of a host without a Bluetooth adapter. No device
// ever connects, so only ConnectAudio is reachable and it always fails.
type NoStack struct{}

func (NoStack) ConnectAudio(audio.DeviceID) bool    { return false }
func (NoStack) DisconnectAudio()                    {}
func (NoStack) SetActiveDevice(audio.DeviceID) bool { return false }
func (NoStack) ActiveDevice() audio.DeviceID        { return "" }
func (NoStack) IsInbandRingingEnabled() bool        { return false }

// Listener receives route manager notifications on the route manager
// goroutine. Implementations should enqueue and return.
type Listener interface {
	OnBluetoothDeviceListChanged()
	OnBluetoothActiveDevicePresent()
	OnBluetoothActiveDeviceGone()
	OnBluetoothAudioConnected()
	OnBluetoothAudioDisconnected()
	// OnBluetoothAudioConnectFailed reports that every connect attempt for
	// addr was used up.
	OnBluetoothAudioConnectFailed(addr audio.DeviceID)
}

// Metrics receives connection counters.
type Metrics interface {
	BluetoothConnectAttempt(accepted bool)
	BluetoothConnectFailed()
	BluetoothConnectionTimeout()
	BluetoothTransition(from, to string)
}

// Config holds connection timing.
type Config struct {
	ConnectionTimeout  time.Duration
	RetryBackoff       time.Duration
	MaxConnectAttempts int
}

// DefaultConfig returns the standard timing: 10s timeout, 500ms backoff and
// three attempts.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout:  10 * time.Second,
		RetryBackoff:       500 * time.Millisecond,
		MaxConnectAttempts: 3,
	}
}

const (
	msgNewDeviceConnected = iota + 1
	msgLostDevice
	msgConnectHfp
	msgDisconnectHfp
	msgRetryHfpConnection
	msgConnectionTimeout
	msgHfpIsOn
	msgHfpLost
	msgActiveDeviceChanged
)

var messageNames = map[int]string{
	msgNewDeviceConnected:  "NEW_DEVICE_CONNECTED",
	msgLostDevice:          "LOST_DEVICE",
	msgConnectHfp:          "CONNECT_HFP",
	msgDisconnectHfp:       "DISCONNECT_HFP",
	msgRetryHfpConnection:  "RETRY_HFP_CONNECTION",
	msgConnectionTimeout:   "CONNECTION_TIMEOUT",
	msgHfpIsOn:             "HFP_IS_ON",
	msgHfpLost:             "HFP_LOST",
	msgActiveDeviceChanged: "ACTIVE_DEVICE_CHANGED",
}

func messageName(what int) string {
	if name, ok := messageNames[what]; ok {
		return name
	}
	return "UNKNOWN"
}

// Option configures a RouteManager.
type Option func(*RouteManager)

// WithClock replaces the clock used for retries and timeouts.
func WithClock(c looper.Clock) Option {
	return func(m *RouteManager) { m.clock = c }
}

// WithLogger replaces the module logger.
func WithLogger(log logger.Logger) Option {
	return func(m *RouteManager) { m.log = log }
}

// WithMetrics installs connection counters.
func WithMetrics(metrics Metrics) Option {
	return func(m *RouteManager) { m.metrics = metrics }
}

// WithLooperObserver installs queue statistics for the manager's looper.
func WithLooperObserver(o looper.Observer) Option {
	return func(m *RouteManager) { m.observer = o }
}

// RouteManager is the Bluetooth routing state machine. All transitions run on
// its own looper; accessors are safe from any goroutine.
type RouteManager struct {
	cfg      Config
	stack    Stack
	listener Listener
	registry *Registry
	log      logger.Logger
	metrics  Metrics
	clock    looper.Clock
	observer looper.Observer
	looper   *looper.Looper

	mu           sync.RWMutex
	state        State
	history      []StateTransition
	retryPending bool
	retryDevice  audio.DeviceID
	activeDevice audio.DeviceID
}

// NewRouteManager creates a manager in AudioOff. Call Start before posting.
func NewRouteManager(cfg Config, stack Stack, listener Listener, opts ...Option) *RouteManager {
	if cfg.MaxConnectAttempts < 1 {
		cfg.MaxConnectAttempts = 1
	}
	m := &RouteManager{
		cfg:      cfg,
		stack:    stack,
		listener: listener,
		registry: NewRegistry(),
		clock:    looper.RealClock{},
		history:  make([]StateTransition, 0, maxStateHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Global().Module("bluetooth")
	}
	looperOpts := []looper.Option{
		looper.WithClock(m.clock),
		looper.WithLogger(m.log),
		looper.WithNames(messageName),
	}
	if m.observer != nil {
		looperOpts = append(looperOpts, looper.WithObserver(m.observer))
	}
	m.looper = looper.New("bluetooth", looper.HandlerFunc(m.handleMessage), looperOpts...)
	return m
}

// Start begins processing messages.
func (m *RouteManager) Start() { m.looper.Start() }

// Quit stops the manager; pending retries and timeouts are cancelled.
func (m *RouteManager) Quit() { m.looper.Quit() }

// Done is closed once the manager goroutine has exited.
func (m *RouteManager) Done() <-chan struct{} { return m.looper.Done() }

// Sync waits until all previously posted messages have been handled.
func (m *RouteManager) Sync(ctx context.Context) error { return m.looper.Sync(ctx) }

// Registry returns the device registry.
func (m *RouteManager) Registry() *Registry { return m.registry }

// ConnectBluetoothAudio requests HFP audio to addr. An empty address picks
// the stack's active device or the most recently connected one.
func (m *RouteManager) ConnectBluetoothAudio(addr audio.DeviceID) {
	m.post(msgConnectHfp, 1, addr)
}

// DisconnectBluetoothAudio tears down HFP audio and cancels retries.
func (m *RouteManager) DisconnectBluetoothAudio() {
	m.post(msgDisconnectHfp, 0, audio.DeviceID(""))
}

// OnDeviceAdded reports a newly connected HFP device.
func (m *RouteManager) OnDeviceAdded(addr audio.DeviceID) {
	m.post(msgNewDeviceConnected, 0, addr)
}

// OnDeviceLost reports a disconnected HFP device.
func (m *RouteManager) OnDeviceLost(addr audio.DeviceID) {
	m.post(msgLostDevice, 0, addr)
}

// OnActiveDeviceChanged reports the stack's active device; empty means none.
func (m *RouteManager) OnActiveDeviceChanged(addr audio.DeviceID) {
	m.post(msgActiveDeviceChanged, 0, addr)
}

// HfpIsOn reports that the stack confirmed audio on addr.
func (m *RouteManager) HfpIsOn(addr audio.DeviceID) {
	m.post(msgHfpIsOn, 0, addr)
}

// HfpLost reports that audio on addr went away.
func (m *RouteManager) HfpLost(addr audio.DeviceID) {
	m.post(msgHfpLost, 0, addr)
}

func (m *RouteManager) post(what, arg int, addr audio.DeviceID) {
	m.looper.Send(looper.Message{What: what, Arg1: arg, Obj: addr})
}

// State returns the current state.
func (m *RouteManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStateHistory returns a copy of recent transitions, oldest first.
func (m *RouteManager) GetStateHistory() []StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history)
}

// ConnectedDevices returns connected HFP devices, most recent first.
func (m *RouteManager) ConnectedDevices() []audio.DeviceID {
	return m.registry.Addresses()
}

// AudioConnectedDevice returns the device carrying audio in AudioConnected.
func (m *RouteManager) AudioConnectedDevice() (audio.DeviceID, bool) {
	s := m.State()
	if s.Kind != AudioConnected {
		return "", false
	}
	return s.Device, true
}

// IsAudioConnectedOrPending reports whether audio is up, being set up, or a
// retry is scheduled.
func (m *RouteManager) IsAudioConnectedOrPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Kind != AudioOff || m.retryPending
}

// IsBluetoothAvailable reports whether any HFP device is connected.
func (m *RouteManager) IsBluetoothAvailable() bool {
	return m.registry.Len() > 0
}

// IsInbandRingingEnabled reports whether ringtones can be played over HFP.
func (m *RouteManager) IsInbandRingingEnabled() bool {
	return m.stack.IsInbandRingingEnabled()
}

// PreferredDevice returns the device audio is routed to or would be routed
// to: the one carrying audio, else the one connecting, else the stack's
// active device, else the most recently connected.
func (m *RouteManager) PreferredDevice() (audio.DeviceID, bool) {
	m.mu.RLock()
	s, active := m.state, m.activeDevice
	m.mu.RUnlock()
	if s.Kind != AudioOff && m.registry.Contains(s.Device) {
		return s.Device, true
	}
	if active != "" && m.registry.Contains(active) {
		return active, true
	}
	return m.registry.MostRecent()
}

func (m *RouteManager) handleMessage(msg looper.Message) {
	addr, _ := msg.Obj.(audio.DeviceID)
	log := m.log.With(logger.Session(msg.Session))
	log.Debug("message received",
		logger.String("message", messageName(msg.What)),
		logger.String("device", string(addr)),
		logger.String("state", m.State().String()))

	switch msg.What {
	case msgNewDeviceConnected:
		m.handleDeviceAdded(log, addr)
	case msgLostDevice:
		m.handleDeviceLost(log, addr)
	case msgConnectHfp:
		m.handleConnect(log, addr)
	case msgDisconnectHfp:
		m.handleDisconnect(log)
	case msgRetryHfpConnection:
		m.handleRetry(log, addr, msg.Arg1)
	case msgConnectionTimeout:
		m.handleTimeout(log, addr, msg.Arg1)
	case msgHfpIsOn:
		m.handleHfpIsOn(log, addr)
	case msgHfpLost:
		m.handleHfpLost(log, addr)
	case msgActiveDeviceChanged:
		m.handleActiveDeviceChanged(addr)
	default:
		log.Warn("unhandled message", logger.Int("what", msg.What))
	}
}

func (m *RouteManager) handleDeviceAdded(log logger.Logger, addr audio.DeviceID) {
	if addr == "" || !m.registry.add(addr) {
		log.Debug("device already known", logger.String("device", string(addr)))
		return
	}
	log.Info("bluetooth device connected", logger.String("device", string(addr)))
	m.listener.OnBluetoothDeviceListChanged()
}

func (m *RouteManager) handleDeviceLost(log logger.Logger, addr audio.DeviceID) {
	if !m.registry.remove(addr) {
		log.Debug("lost unknown device", logger.String("device", string(addr)))
		return
	}
	log.Info("bluetooth device disconnected", logger.String("device", string(addr)))
	m.listener.OnBluetoothDeviceListChanged()

	s := m.State()
	switch {
	case s.Kind != AudioOff && s.Device == addr:
		m.looper.RemoveMessages(msgConnectionTimeout)
		m.transitionToActualState("device lost")
	case m.isRetryPendingFor(addr):
		m.cancelRetry()
		m.failConnect(log, addr, "device lost before retry")
	}
}

func (m *RouteManager) handleConnect(log logger.Logger, requested audio.DeviceID) {
	addr, ok := m.resolveDevice(requested)
	if !ok {
		log.Warn("no bluetooth device to connect", logger.String("requested", string(requested)))
		m.failConnect(log, requested, "no device")
		return
	}
	if s := m.State(); s.Kind != AudioOff && s.Device == addr {
		log.Debug("connect ignored, device already selected", logger.String("state", s.String()))
		return
	}
	m.cancelRetry()
	m.looper.RemoveMessages(msgConnectionTimeout)
	if s := m.State(); s.Kind == AudioConnecting {
		m.registry.setState(s.Device, Connected)
	}
	m.connect(log, addr, 1)
}

func (m *RouteManager) handleRetry(log logger.Logger, addr audio.DeviceID, attempt int) {
	m.mu.Lock()
	pending := m.retryPending
	m.retryPending = false
	m.mu.Unlock()
	if !pending {
		log.Debug("stale retry ignored", logger.String("device", string(addr)), logger.Int("attempt", attempt))
		return
	}
	if !m.registry.Contains(addr) {
		m.failConnect(log, addr, "device gone before retry")
		return
	}
	m.connect(log, addr, attempt)
}

// connect issues one connect attempt to the stack.
func (m *RouteManager) connect(log logger.Logger, addr audio.DeviceID, attempt int) {
	if m.stack.ActiveDevice() != addr && !m.stack.SetActiveDevice(addr) {
		log.Debug("set active device rejected", logger.String("device", string(addr)))
	}
	accepted := m.stack.ConnectAudio(addr)
	if m.metrics != nil {
		m.metrics.BluetoothConnectAttempt(accepted)
	}
	if !accepted {
		log.Warn("bluetooth audio connect rejected",
			logger.String("device", string(addr)),
			logger.Int("attempt", attempt))
		m.retryOrFail(log, addr, attempt, "connect rejected")
		return
	}
	m.registry.setState(addr, Connecting)
	m.transitionState(State{Kind: AudioConnecting, Device: addr}, "connect requested", true)
	m.looper.SendDelayed(looper.Message{What: msgConnectionTimeout, Arg1: attempt, Obj: addr}, m.cfg.ConnectionTimeout)
}

// retryOrFail schedules the next attempt or, with none left, gives up.
func (m *RouteManager) retryOrFail(log logger.Logger, addr audio.DeviceID, attempt int, reason string) {
	if attempt >= m.cfg.MaxConnectAttempts {
		m.settleWithoutNotify(reason)
		m.failConnect(log, addr, reason)
		return
	}
	m.settleWithoutNotify(reason + ", retry scheduled")
	m.mu.Lock()
	m.retryPending = true
	m.retryDevice = addr
	m.mu.Unlock()
	log.Debug("scheduling bluetooth connect retry",
		logger.String("device", string(addr)),
		logger.Int("next_attempt", attempt+1),
		logger.Duration("backoff", m.cfg.RetryBackoff))
	m.looper.SendDelayed(looper.Message{What: msgRetryHfpConnection, Arg1: attempt + 1, Obj: addr}, m.cfg.RetryBackoff)
}

func (m *RouteManager) failConnect(log logger.Logger, addr audio.DeviceID, reason string) {
	if m.metrics != nil {
		m.metrics.BluetoothConnectFailed()
	}
	err := errors.Newf("bluetooth audio connect failed: %s", reason).
		Component("bluetooth").
		Category(errors.CategoryBluetooth).
		DeviceContext(string(addr), m.cfg.MaxConnectAttempts).
		Build()
	log.Warn("giving up on bluetooth audio", logger.String("device", string(addr)), logger.Error(err))
	m.listener.OnBluetoothAudioConnectFailed(addr)
}

func (m *RouteManager) handleDisconnect(log logger.Logger) {
	m.looper.RemoveMessages(msgConnectionTimeout)
	hadRetry := m.cancelRetry()
	if m.State().Kind == AudioOff {
		if hadRetry {
			log.Debug("pending connect retry cancelled")
		}
		return
	}
	m.stack.DisconnectAudio()
	m.registry.resetAudio("")
	m.transitionState(State{Kind: AudioOff}, "disconnect requested", true)
}

func (m *RouteManager) handleTimeout(log logger.Logger, addr audio.DeviceID, attempt int) {
	if s := m.State(); s.Kind != AudioConnecting || s.Device != addr {
		log.Debug("stale connection timeout ignored", logger.String("device", string(addr)))
		return
	}
	if m.metrics != nil {
		m.metrics.BluetoothConnectionTimeout()
	}
	m.registry.setState(addr, Connected)
	if other, ok := m.registry.AudioDevice(); ok {
		log.Info("connection timed out, another device carries audio",
			logger.String("device", string(addr)),
			logger.String("audio_device", string(other)))
		m.transitionState(State{Kind: AudioConnected, Device: other}, "timeout with audio on other device", true)
		return
	}
	m.retryOrFail(log, addr, attempt, "connection timeout")
}

func (m *RouteManager) handleHfpIsOn(log logger.Logger, addr audio.DeviceID) {
	if !m.registry.Contains(addr) {
		log.Debug("audio on for unknown device ignored", logger.String("device", string(addr)))
		return
	}
	m.looper.RemoveMessages(msgConnectionTimeout)
	m.cancelRetry()
	m.registry.resetAudio(addr)
	m.registry.setState(addr, AudioOn)
	m.transitionState(State{Kind: AudioConnected, Device: addr}, "audio confirmed", true)
}

func (m *RouteManager) handleHfpLost(log logger.Logger, addr audio.DeviceID) {
	if rec, ok := m.registry.Get(addr); ok && rec.State == AudioOn {
		m.registry.setState(addr, Connected)
	}
	if s := m.State(); s.Kind == AudioOff || s.Device != addr {
		log.Debug("audio lost on non-current device", logger.String("device", string(addr)))
		return
	}
	m.looper.RemoveMessages(msgConnectionTimeout)
	m.transitionToActualState("audio lost")
}

func (m *RouteManager) handleActiveDeviceChanged(addr audio.DeviceID) {
	m.mu.Lock()
	m.activeDevice = addr
	m.mu.Unlock()
	if addr != "" {
		m.listener.OnBluetoothActiveDevicePresent()
		return
	}
	m.listener.OnBluetoothActiveDeviceGone()
	if m.State().Kind == AudioOff {
		return
	}
	m.looper.RemoveMessages(msgConnectionTimeout)
	m.registry.resetAudio("")
	m.transitionState(State{Kind: AudioOff}, "active device gone", true)
}

// settleWithoutNotify leaves a failed connect: back to the device already
// carrying audio if there is one, else AudioOff. Audio going down is not
// reported since it never came up.
func (m *RouteManager) settleWithoutNotify(reason string) {
	if dev, ok := m.registry.AudioDevice(); ok {
		m.transitionState(State{Kind: AudioConnected, Device: dev}, reason, m.State().Kind != AudioConnected)
		return
	}
	m.transitionState(State{Kind: AudioOff}, reason, false)
}

// transitionToActualState settles on whatever the registry says without
// connecting anything new.
func (m *RouteManager) transitionToActualState(reason string) {
	if dev, ok := m.registry.AudioDevice(); ok {
		m.transitionState(State{Kind: AudioConnected, Device: dev}, reason, true)
		return
	}
	m.transitionState(State{Kind: AudioOff}, reason, true)
}

func (m *RouteManager) resolveDevice(addr audio.DeviceID) (audio.DeviceID, bool) {
	if addr != "" {
		return addr, m.registry.Contains(addr)
	}
	if active := m.stack.ActiveDevice(); active != "" && m.registry.Contains(active) {
		return active, true
	}
	return m.registry.MostRecent()
}

// isRetryPendingFor reports whether the scheduled retry targets addr. Only
// one retry is ever scheduled at a time.
func (m *RouteManager) isRetryPendingFor(addr audio.DeviceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryPending && m.retryDevice == addr
}

func (m *RouteManager) cancelRetry() bool {
	m.looper.RemoveMessages(msgRetryHfpConnection)
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.retryPending
	m.retryPending = false
	m.retryDevice = ""
	return had
}

// transitionState moves to the new state, records it and, when notify is
// set, tells the listener about audio coming up or going down.
func (m *RouteManager) transitionState(to State, reason string, notify bool) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	if !isValidTransition(from, to) {
		m.log.Warn("unexpected bluetooth state transition",
			logger.String("from", from.String()),
			logger.String("to", to.String()))
	}
	m.state = to
	m.history = append(m.history, StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason})
	if len(m.history) > maxStateHistory {
		m.history = m.history[len(m.history)-maxStateHistory:]
	}
	m.mu.Unlock()

	m.log.Info("bluetooth state transition",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
		logger.String("reason", reason))
	if m.metrics != nil {
		m.metrics.BluetoothTransition(from.Kind.String(), to.Kind.String())
	}
	if !notify {
		return
	}
	switch to.Kind {
	case AudioConnected:
		m.listener.OnBluetoothAudioConnected()
	case AudioOff:
		m.listener.OnBluetoothAudioDisconnected()
	}
}
