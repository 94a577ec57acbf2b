package scenario

import (
	"slices"
	"sync"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/audiomode"
)

// AudioManager is an in-memory audio.Manager that records side effects.
type AudioManager struct {
	mu            sync.Mutex
	speaker       bool
	muted         bool
	mode          audio.Mode
	modes         []audio.Mode
	focusRequests []audio.StreamType
	abandons      int
}

func (a *AudioManager) SetSpeakerphoneOn(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speaker = on
}

func (a *AudioManager) IsSpeakerphoneOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaker
}

func (a *AudioManager) RequestAudioFocusForCall(stream audio.StreamType, _ audio.FocusGain) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.focusRequests = append(a.focusRequests, stream)
}

func (a *AudioManager) AbandonAudioFocusForCall() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abandons++
}

func (a *AudioManager) SetMode(mode audio.Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
	a.modes = append(a.modes, mode)
}

func (a *AudioManager) SetMicrophoneMute(muted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
}

func (a *AudioManager) IsMicrophoneMute() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

// FocusRequests returns the streams focus was requested for, in order.
func (a *AudioManager) FocusRequests() []audio.StreamType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.focusRequests)
}

// Modes returns every mode set, in order.
func (a *AudioManager) Modes() []audio.Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.modes)
}

// MuteExternally flips the microphone mute behind the route machine's back.
func (a *AudioManager) MuteExternally(muted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
}

// Stack is an in-memory bluetooth.Stack. Audio connects are accepted
// unless Reject is set; confirmations come from explicit bt_hfp_on steps.
type Stack struct {
	mu          sync.Mutex
	Reject      bool
	Inband      bool
	active      audio.DeviceID
	connects    []audio.DeviceID
	disconnects int
}

func (s *Stack) ConnectAudio(addr audio.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, addr)
	return !s.Reject
}

func (s *Stack) DisconnectAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *Stack) SetActiveDevice(addr audio.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = addr
	return true
}

func (s *Stack) ActiveDevice() audio.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Stack) IsInbandRingingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Inband
}

// Connects returns every address ConnectAudio was called with.
func (s *Stack) Connects() []audio.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.connects)
}

// Disconnects returns how often DisconnectAudio was called.
func (s *Stack) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Ringer is an in-memory audiomode.Ringer.
type Ringer struct {
	mu      sync.Mutex
	Silent  bool
	ringing bool
	waiting bool
	rings   int
}

func (r *Ringer) StartRinging(audiomode.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Silent {
		return false
	}
	r.ringing = true
	r.rings++
	return true
}

func (r *Ringer) StopRinging() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringing = false
}

func (r *Ringer) StartCallWaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = true
}

func (r *Ringer) StopCallWaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = false
}

// Ringing reports whether the ringtone is playing.
func (r *Ringer) Ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

// statesRecorder counts published audio states.
type statesRecorder struct {
	mu     sync.Mutex
	states []audio.CallAudioState
}

func (s *statesRecorder) OnCallAudioStateChanged(_, updated audio.CallAudioState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, updated)
}

func (s *statesRecorder) published() []audio.CallAudioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.states)
}
