package audio

import "fmt"

// FocusType is the audio focus the route machine currently holds. It gates
// which side effects a route change may perform.
type FocusType int

const (
	NoFocus FocusType = iota + 1
	ActiveFocus
	RingingFocus
)

func (f FocusType) String() string {
	switch f {
	case NoFocus:
		return "NO_FOCUS"
	case ActiveFocus:
		return "ACTIVE_FOCUS"
	case RingingFocus:
		return "RINGING_FOCUS"
	default:
		return fmt.Sprintf("FOCUS(%d)", int(f))
	}
}

// Mode is the device audio mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeRingtone
	ModeInCall
	ModeInCommunication
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "MODE_NORMAL"
	case ModeRingtone:
		return "MODE_RINGTONE"
	case ModeInCall:
		return "MODE_IN_CALL"
	case ModeInCommunication:
		return "MODE_IN_COMMUNICATION"
	default:
		return fmt.Sprintf("MODE(%d)", int(m))
	}
}

// StreamType selects the stream audio focus is requested for.
type StreamType int

const (
	StreamVoiceCall StreamType = iota
	StreamRing
)

func (s StreamType) String() string {
	if s == StreamRing {
		return "STREAM_RING"
	}
	return "STREAM_VOICE_CALL"
}

// FocusGain is the kind of focus requested.
type FocusGain int

const (
	GainTransient FocusGain = iota
	Gain
)

func (g FocusGain) String() string {
	if g == Gain {
		return "AUDIOFOCUS_GAIN"
	}
	return "AUDIOFOCUS_GAIN_TRANSIENT"
}

// Manager is the platform audio service.
type Manager interface {
	SetSpeakerphoneOn(on bool)
	IsSpeakerphoneOn() bool
	RequestAudioFocusForCall(stream StreamType, gain FocusGain)
	AbandonAudioFocusForCall()
	SetMode(mode Mode)
	SetMicrophoneMute(muted bool)
	IsMicrophoneMute() bool
}

// CallsListener receives every published audio state change.
type CallsListener interface {
	OnCallAudioStateChanged(old, updated CallAudioState)
}

// ConnectionServiceObserver is notified for the foreground call.
type ConnectionServiceObserver interface {
	OnCallAudioStateChanged(state CallAudioState)
}

// StatusBarNotifier mirrors mute and speakerphone indicators.
type StatusBarNotifier interface {
	NotifyMute(muted bool)
	NotifySpeakerphone(on bool)
}
