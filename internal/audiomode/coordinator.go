// Package audiomode decides when to take and release system audio focus and
// which device audio mode to use, based on the calls that exist. It tells the
// route machine which focus it holds.
package audiomode

import (
	"context"
	"fmt"
	"sync"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/looper"
)

// Snapshot summarizes the call set at the moment a message was posted.
type Snapshot struct {
	HasRingingCalls         bool `json:"hasRingingCalls"`
	HasActiveOrDialingCalls bool `json:"hasActiveOrDialingCalls"`
	HasHoldingCalls         bool `json:"hasHoldingCalls"`
	IsTonePlaying           bool `json:"isTonePlaying"`
	ForegroundCallIsVoip    bool `json:"foregroundCallIsVoip"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("[ringing=%t active=%t holding=%t tone=%t voip=%t]",
		s.HasRingingCalls, s.HasActiveOrDialingCalls, s.HasHoldingCalls, s.IsTonePlaying, s.ForegroundCallIsVoip)
}

// Ringer plays the ringtone and call waiting tone.
type Ringer interface {
	// StartRinging returns false when ringing is silenced and must not take
	// audio focus.
	StartRinging(s Snapshot) bool
	StopRinging()
	StartCallWaiting()
	StopCallWaiting()
}

// RouteFocus receives the focus the coordinator holds.
type RouteFocus interface {
	SwitchFocus(focus audio.FocusType)
}

// Listener is told about every coordinator transition.
type Listener interface {
	OnAudioModeChanged(state State, mode audio.Mode)
}

// Metrics receives focus and mode counters.
type Metrics interface {
	AudioFocusRequested(stream audio.StreamType)
	AudioModeChanged(mode audio.Mode)
}

// State names a coordinator state.
type State int

const (
	Unfocused State = iota
	Ringing
	SimCall
	VoipCall
	OtherFocus
)

var stateNames = [...]string{
	Unfocused:  "UnfocusedState",
	Ringing:    "RingingFocusState",
	SimCall:    "SimCallFocusState",
	VoipCall:   "VoipCallFocusState",
	OtherFocus: "OtherFocusState",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

const (
	msgNoMoreActiveOrDialingCalls = iota + 1
	msgNoMoreRingingCalls
	msgNoMoreHoldingCalls
	msgNewActiveOrDialingCall
	msgNewRingingCall
	msgNewHoldingCall
	msgToneStartedPlaying
	msgToneStoppedPlaying
	msgForegroundVoipModeChange
	msgRingerModeChange
	msgAbandonFocus
)

var messageNames = map[int]string{
	msgNoMoreActiveOrDialingCalls: "NO_MORE_ACTIVE_OR_DIALING_CALLS",
	msgNoMoreRingingCalls:         "NO_MORE_RINGING_CALLS",
	msgNoMoreHoldingCalls:         "NO_MORE_HOLDING_CALLS",
	msgNewActiveOrDialingCall:     "NEW_ACTIVE_OR_DIALING_CALL",
	msgNewRingingCall:             "NEW_RINGING_CALL",
	msgNewHoldingCall:             "NEW_HOLDING_CALL",
	msgToneStartedPlaying:         "TONE_STARTED_PLAYING",
	msgToneStoppedPlaying:         "TONE_STOPPED_PLAYING",
	msgForegroundVoipModeChange:   "FOREGROUND_VOIP_MODE_CHANGE",
	msgRingerModeChange:           "RINGER_MODE_CHANGE",
	msgAbandonFocus:               "ABANDON_FOCUS",
}

func messageName(what int) string {
	if name, ok := messageNames[what]; ok {
		return name
	}
	return "UNKNOWN"
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger replaces the module logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics installs focus and mode counters.
func WithMetrics(metrics Metrics) Option {
	return func(c *Coordinator) { c.metrics = metrics }
}

// WithListener installs a transition listener. It is called on the
// coordinator goroutine.
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listener = l }
}

// WithLooperObserver installs queue statistics for the coordinator's looper.
func WithLooperObserver(o looper.Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// Coordinator is the call audio mode state machine.
type Coordinator struct {
	am       audio.Manager
	ringer   Ringer
	route    RouteFocus
	log      logger.Logger
	metrics  Metrics
	listener Listener
	observer looper.Observer
	looper   *looper.Looper

	// Owned by the looper goroutine.
	current        State
	initialized    bool
	snapshot       Snapshot
	ringingFocus   bool
	callWaiting    bool
	mostRecentMode audio.Mode

	mu    sync.RWMutex
	state State
	mode  audio.Mode
}

// New creates a coordinator in Unfocused. The first transition back to
// Unfocused releases focus; the initial state does not touch the platform.
func New(am audio.Manager, ringer Ringer, route RouteFocus, opts ...Option) *Coordinator {
	c := &Coordinator{
		am:             am,
		ringer:         ringer,
		route:          route,
		current:        Unfocused,
		mostRecentMode: audio.ModeInCall,
		mode:           audio.ModeNormal,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("audiomode")
	}
	looperOpts := []looper.Option{looper.WithLogger(c.log), looper.WithNames(messageName)}
	if c.observer != nil {
		looperOpts = append(looperOpts, looper.WithObserver(c.observer))
	}
	c.looper = looper.New("audiomode", looper.HandlerFunc(c.handleMessage), looperOpts...)
	return c
}

// Start begins processing messages.
func (c *Coordinator) Start() { c.looper.Start() }

// Quit stops the coordinator and drops pending messages.
func (c *Coordinator) Quit() { c.looper.Quit() }

// Done is closed once the coordinator goroutine has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.looper.Done() }

// Sync waits until all previously posted messages have been handled.
func (c *Coordinator) Sync(ctx context.Context) error { return c.looper.Sync(ctx) }

func (c *Coordinator) NoMoreActiveOrDialingCalls(s Snapshot) {
	c.post(msgNoMoreActiveOrDialingCalls, s)
}
func (c *Coordinator) NoMoreRingingCalls(s Snapshot)     { c.post(msgNoMoreRingingCalls, s) }
func (c *Coordinator) NoMoreHoldingCalls(s Snapshot)     { c.post(msgNoMoreHoldingCalls, s) }
func (c *Coordinator) NewActiveOrDialingCall(s Snapshot) { c.post(msgNewActiveOrDialingCall, s) }
func (c *Coordinator) NewRingingCall(s Snapshot)         { c.post(msgNewRingingCall, s) }
func (c *Coordinator) NewHoldingCall(s Snapshot)         { c.post(msgNewHoldingCall, s) }
func (c *Coordinator) ForegroundVoipModeChange(s Snapshot) {
	c.post(msgForegroundVoipModeChange, s)
}

// TonePlaying reports that an in-call tone started or stopped.
func (c *Coordinator) TonePlaying(playing bool, s Snapshot) {
	if playing {
		c.post(msgToneStartedPlaying, s)
		return
	}
	c.post(msgToneStoppedPlaying, s)
}

// RingerModeChange asks the coordinator to re-evaluate a silenced ringer.
func (c *Coordinator) RingerModeChange() {
	c.looper.Send(looper.Message{What: msgRingerModeChange})
}

// AbandonFocus releases focus regardless of the call set.
func (c *Coordinator) AbandonFocus() {
	c.looper.Send(looper.Message{What: msgAbandonFocus})
}

func (c *Coordinator) post(what int, s Snapshot) {
	c.looper.Send(looper.Message{What: what, Obj: s})
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Mode returns the last audio mode the coordinator set.
func (c *Coordinator) Mode() audio.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Coordinator) handleMessage(msg looper.Message) {
	log := c.log
	c.log = log.With(logger.Session(msg.Session))
	defer func() { c.log = log }()

	if s, ok := msg.Obj.(Snapshot); ok {
		c.snapshot = s
	}
	c.log.Debug("processing message",
		logger.String("message", messageName(msg.What)),
		logger.String("state", c.current.String()),
		logger.String("snapshot", c.snapshot.String()))

	if msg.What == msgAbandonFocus {
		c.transitionTo(Unfocused)
		return
	}

	switch c.current {
	case Unfocused:
		c.processUnfocused(msg)
	case Ringing:
		c.processRinging(msg)
	case SimCall, VoipCall:
		c.processCall(msg)
	case OtherFocus:
		c.processOtherFocus(msg)
	}
}
