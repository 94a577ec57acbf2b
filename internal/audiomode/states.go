package audiomode

import (
	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/looper"
)

// destination picks the state the call set calls for. Active or dialing
// calls win over ringing, ringing over holding calls and tones.
func (c *Coordinator) destination() State {
	s := c.snapshot
	switch {
	case s.HasActiveOrDialingCalls:
		if s.ForegroundCallIsVoip {
			return VoipCall
		}
		return SimCall
	case s.HasRingingCalls:
		return Ringing
	case s.HasHoldingCalls, s.IsTonePlaying:
		return OtherFocus
	default:
		return Unfocused
	}
}

func (c *Coordinator) processUnfocused(msg looper.Message) {
	switch msg.What {
	case msgRingerModeChange:
	default:
		c.transitionTo(c.destination())
	}
}

func (c *Coordinator) processRinging(msg looper.Message) {
	switch msg.What {
	case msgRingerModeChange:
		if !c.ringingFocus {
			c.tryStartRinging()
		}
	case msgNewRingingCall, msgNewHoldingCall, msgNoMoreHoldingCalls, msgToneStartedPlaying, msgToneStoppedPlaying:
		// Ringing keeps focus until the ringing call is answered or gone.
	default:
		c.transitionTo(c.destination())
	}
}

func (c *Coordinator) processCall(msg looper.Message) {
	switch msg.What {
	case msgNewRingingCall:
		c.startCallWaiting()
	case msgNoMoreRingingCalls:
		c.stopCallWaiting()
	case msgNoMoreActiveOrDialingCalls, msgNewActiveOrDialingCall, msgForegroundVoipModeChange:
		c.transitionTo(c.destination())
	default:
		c.log.Debug("message ignored in state",
			logger.String("message", messageName(msg.What)),
			logger.String("state", c.current.String()))
	}
}

func (c *Coordinator) processOtherFocus(msg looper.Message) {
	switch msg.What {
	case msgNewRingingCall:
		if c.snapshot.HasHoldingCalls {
			c.startCallWaiting()
			return
		}
		c.transitionTo(c.destination())
	case msgNoMoreRingingCalls:
		c.stopCallWaiting()
		c.transitionTo(c.destination())
	case msgRingerModeChange:
	default:
		c.transitionTo(c.destination())
	}
}

// transitionTo runs the exit actions of the current state and the entry
// actions of next. Moving to the current state does nothing.
func (c *Coordinator) transitionTo(next State) {
	from := c.current
	if from == next && c.initialized {
		return
	}
	c.initialized = true
	c.exit(from)
	c.current = next
	c.log.Info("audio mode state transition",
		logger.String("from", from.String()),
		logger.String("to", next.String()))
	c.enter(next)

	c.mu.Lock()
	c.state = next
	mode := c.mode
	c.mu.Unlock()
	if c.listener != nil {
		c.listener.OnAudioModeChanged(next, mode)
	}
}

func (c *Coordinator) exit(s State) {
	switch s {
	case Ringing:
		c.ringer.StopRinging()
		c.ringingFocus = false
	case SimCall, VoipCall, OtherFocus:
		c.stopCallWaiting()
	}
}

func (c *Coordinator) enter(s State) {
	switch s {
	case Unfocused:
		c.am.AbandonAudioFocusForCall()
		c.setMode(audio.ModeNormal)
		c.route.SwitchFocus(audio.NoFocus)
	case Ringing:
		c.tryStartRinging()
	case SimCall:
		c.enterCall(audio.ModeInCall)
	case VoipCall:
		c.enterCall(audio.ModeInCommunication)
	case OtherFocus:
		c.requestFocus(audio.StreamVoiceCall)
		c.setMode(c.mostRecentMode)
		c.route.SwitchFocus(audio.ActiveFocus)
	}
}

func (c *Coordinator) enterCall(mode audio.Mode) {
	c.requestFocus(audio.StreamVoiceCall)
	c.setMode(mode)
	c.mostRecentMode = mode
	c.route.SwitchFocus(audio.ActiveFocus)
	if c.snapshot.HasRingingCalls {
		c.startCallWaiting()
	}
}

// tryStartRinging takes ringing focus only when the ringer actually rings.
// A silenced ringer leaves focus and mode untouched.
func (c *Coordinator) tryStartRinging() {
	if !c.ringer.StartRinging(c.snapshot) {
		c.log.Info("ringer did not start, not acquiring audio focus")
		c.callWaiting = false
		c.ringer.StopCallWaiting()
		return
	}
	c.ringingFocus = true
	c.requestFocus(audio.StreamRing)
	c.setMode(audio.ModeRingtone)
	c.route.SwitchFocus(audio.RingingFocus)
}

func (c *Coordinator) requestFocus(stream audio.StreamType) {
	c.am.RequestAudioFocusForCall(stream, audio.GainTransient)
	if c.metrics != nil {
		c.metrics.AudioFocusRequested(stream)
	}
}

func (c *Coordinator) setMode(mode audio.Mode) {
	c.log.Debug("setting audio mode", logger.String("mode", mode.String()))
	c.am.SetMode(mode)
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.AudioModeChanged(mode)
	}
}

func (c *Coordinator) startCallWaiting() {
	c.callWaiting = true
	c.ringer.StartCallWaiting()
}

func (c *Coordinator) stopCallWaiting() {
	if !c.callWaiting {
		return
	}
	c.callWaiting = false
	c.ringer.StopCallWaiting()
}
