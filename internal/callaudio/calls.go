package callaudio

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/errors"
)

// CallState is the lifecycle state of a call as reported by the call set
// owner.
type CallState int

const (
	CallNew CallState = iota
	CallDialing
	CallRinging
	CallActive
	CallOnHold
	CallDisconnected
)

func (s CallState) String() string {
	switch s {
	case CallNew:
		return "NEW"
	case CallDialing:
		return "DIALING"
	case CallRinging:
		return "RINGING"
	case CallActive:
		return "ACTIVE"
	case CallOnHold:
		return "ON_HOLD"
	case CallDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

var callStateNames = map[string]CallState{
	"new":          CallNew,
	"dialing":      CallDialing,
	"ringing":      CallRinging,
	"active":       CallActive,
	"on_hold":      CallOnHold,
	"held":         CallOnHold,
	"disconnected": CallDisconnected,
}

// ParseCallState accepts the lower or upper case state names and "held".
func ParseCallState(s string) (CallState, error) {
	if state, ok := callStateNames[strings.ToLower(s)]; ok {
		return state, nil
	}
	names := make([]string, 0, len(callStateNames))
	for name := range callStateNames {
		names = append(names, name)
	}
	slices.Sort(names)
	return 0, errors.Newf("unknown call state %q, want one of %v", s, names).
		Component("callaudio").
		Category(errors.CategoryValidation).
		Build()
}

// MarshalText encodes the state name.
func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes anything ParseCallState accepts.
func (s *CallState) UnmarshalText(text []byte) error {
	state, err := ParseCallState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// Call describes one call. SupportedRoutes of zero means every route.
type Call struct {
	ID              string
	State           CallState
	IsVoip          bool
	IsVideo         bool
	IsEmergency     bool
	SupportedRoutes audio.RouteMask
	Observer        audio.ConnectionServiceObserver
}

func (c *Call) routes() audio.RouteMask {
	if c.SupportedRoutes == 0 {
		return audio.MaskAll
	}
	return c.SupportedRoutes
}

// bucket groups call states the way the mode coordinator sees them.
type bucket int

const (
	bucketNone bucket = iota
	bucketRinging
	bucketActiveOrDialing
	bucketHolding
)

func bucketOf(s CallState) bucket {
	switch s {
	case CallRinging:
		return bucketRinging
	case CallDialing, CallActive:
		return bucketActiveOrDialing
	case CallOnHold:
		return bucketHolding
	default:
		return bucketNone
	}
}
