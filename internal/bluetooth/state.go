package bluetooth

import (
	"fmt"
	"slices"
	"time"

	"github.com/tphakala/callaudio/internal/audio"
)

// StateKind is the phase of the HFP audio link.
type StateKind int

const (
	AudioOff StateKind = iota
	AudioConnecting
	AudioConnected
)

func (k StateKind) String() string {
	switch k {
	case AudioOff:
		return "AudioOff"
	case AudioConnecting:
		return "AudioConnecting"
	case AudioConnected:
		return "AudioConnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// State is the route manager state. Device is empty in AudioOff.
type State struct {
	Kind   StateKind
	Device audio.DeviceID
}

func (s State) String() string {
	if s.Kind == AudioOff {
		return s.Kind.String()
	}
	return s.Kind.String() + ":" + string(s.Device)
}

// StateTransition records one route manager transition.
type StateTransition struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// maxStateHistory bounds the transition history.
const maxStateHistory = 100

// validTransitions lists the kinds each kind may move to. Moving between
// devices within the same kind is always allowed.
var validTransitions = map[StateKind][]StateKind{
	AudioOff:        {AudioConnecting, AudioConnected},
	AudioConnecting: {AudioOff, AudioConnecting, AudioConnected},
	AudioConnected:  {AudioOff, AudioConnecting, AudioConnected},
}

func isValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	return slices.Contains(validTransitions[from.Kind], to.Kind)
}
