package routing

import (
	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/looper"
)

// stateID names one of the machine's leaf states.
type stateID int

const (
	stateActiveEarpiece stateID = iota
	stateActiveHeadset
	stateActiveBluetooth
	stateActiveSpeaker
	stateRingingBluetooth
	stateQuiescentEarpiece
	stateQuiescentHeadset
	stateQuiescentBluetooth
	stateQuiescentSpeaker
)

var stateNames = [...]string{
	stateActiveEarpiece:     "ActiveEarpieceRoute",
	stateActiveHeadset:      "ActiveHeadsetRoute",
	stateActiveBluetooth:    "ActiveBluetoothRoute",
	stateActiveSpeaker:      "ActiveSpeakerRoute",
	stateRingingBluetooth:   "RingingBluetoothRoute",
	stateQuiescentEarpiece:  "QuiescentEarpieceRoute",
	stateQuiescentHeadset:   "QuiescentHeadsetRoute",
	stateQuiescentBluetooth: "QuiescentBluetoothRoute",
	stateQuiescentSpeaker:   "QuiescentSpeakerRoute",
}

func (s stateID) String() string { return stateNames[s] }

func (s stateID) route() audio.Route {
	switch s {
	case stateActiveEarpiece, stateQuiescentEarpiece:
		return audio.RouteEarpiece
	case stateActiveHeadset, stateQuiescentHeadset:
		return audio.RouteWiredHeadset
	case stateActiveBluetooth, stateRingingBluetooth, stateQuiescentBluetooth:
		return audio.RouteBluetooth
	default:
		return audio.RouteSpeaker
	}
}

// isActive reports whether the state holds call audio focus.
func (s stateID) isActive() bool {
	return s <= stateActiveSpeaker
}

// publishes reports whether settled changes in this state reach listeners.
func (s stateID) publishes() bool {
	return s.isActive() || s == stateRingingBluetooth
}

func activeState(r audio.Route) stateID {
	switch r {
	case audio.RouteEarpiece:
		return stateActiveEarpiece
	case audio.RouteWiredHeadset:
		return stateActiveHeadset
	case audio.RouteBluetooth:
		return stateActiveBluetooth
	default:
		return stateActiveSpeaker
	}
}

func quiescentState(r audio.Route) stateID {
	switch r {
	case audio.RouteEarpiece:
		return stateQuiescentEarpiece
	case audio.RouteWiredHeadset:
		return stateQuiescentHeadset
	case audio.RouteBluetooth:
		return stateQuiescentBluetooth
	default:
		return stateQuiescentSpeaker
	}
}

// switchTarget maps a switch message to its route.
func switchTarget(what int) (audio.Route, bool) {
	switch what {
	case msgSwitchEarpiece, msgUserSwitchEarpiece:
		return audio.RouteEarpiece, true
	case msgSwitchBluetooth, msgUserSwitchBluetooth:
		return audio.RouteBluetooth, true
	case msgSwitchHeadset, msgUserSwitchHeadset:
		return audio.RouteWiredHeadset, true
	case msgSwitchSpeaker, msgUserSwitchSpeaker:
		return audio.RouteSpeaker, true
	default:
		return 0, false
	}
}

// processCommon handles what every state does the same way. Route
// availability changes are applied here; only the Bluetooth device list is
// fully consumed, the rest fall through to the route group.
func (m *StateMachine) processCommon(msg looper.Message) bool {
	var added, removed audio.RouteMask
	handled := false
	switch msg.What {
	case msgConnectWiredHeadset:
		m.headsetPlugged = true
		removed = audio.MaskOf(audio.RouteEarpiece)
		added = audio.MaskOf(audio.RouteWiredHeadset)
	case msgDisconnectWiredHeadset:
		m.headsetPlugged = false
		removed = audio.MaskOf(audio.RouteWiredHeadset)
		if m.cfg.EarpieceSupported {
			added = audio.MaskOf(audio.RouteEarpiece)
		}
	case msgBluetoothDeviceListChanged:
		if m.bt.IsBluetoothAvailable() {
			added = audio.MaskOf(audio.RouteBluetooth)
		} else {
			removed = audio.MaskOf(audio.RouteBluetooth)
		}
		handled = true
	case msgBtActiveDevicePresent, msgBtActiveDeviceGone:
		return false
	case msgSwitchBaselineRoute:
		m.sendInternal(looper.Message{What: m.baselineRouteMessage(false, msg.Arg1 == includeBluetoothInBaseline)})
		return true
	case msgUserSwitchBaselineRoute:
		m.sendInternal(looper.Message{What: m.baselineRouteMessage(true, msg.Arg1 == includeBluetoothInBaseline)})
		return true
	case msgUserSwitchBluetooth:
		m.userLeftBluetooth = false
		return false
	case msgSwitchFocus:
		m.focus = audio.FocusType(msg.Arg1)
		return false
	case msgDisconnectHfp:
		m.setBluetoothOff()
		if m.current.route() == audio.RouteBluetooth {
			m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: noIncludeBluetoothInBaseline})
		}
		return true
	default:
		return false
	}

	m.availableRoutes = m.modifyRoutes(m.availableRoutes, removed, added, true)
	m.deviceSupportedRoutes = m.modifyRoutes(m.deviceSupportedRoutes, removed, added, false)
	return handled
}

// processGroup handles hardware events shared by the active and quiescent
// flavors of one route.
func (m *StateMachine) processGroup(msg looper.Message) bool {
	switch m.current.route() {
	case audio.RouteEarpiece:
		switch msg.What {
		case msgConnectWiredHeadset:
			m.sendInternal(looper.Message{What: msgSwitchHeadset})
		case msgBtActiveDevicePresent:
			m.switchToBluetoothOnActiveDevice()
		case msgConnectDock:
			m.sendInternal(looper.Message{What: msgSwitchSpeaker})
		case msgDisconnectWiredHeadset:
			m.log.Warn("wired headset disconnected while on earpiece")
		case msgBtActiveDeviceGone, msgBtAudioDisconnected, msgDisconnectDock:
		default:
			return false
		}
		return true

	case audio.RouteWiredHeadset:
		switch msg.What {
		case msgConnectWiredHeadset:
			m.log.Warn("wired headset connected while already on headset")
		case msgBtActiveDevicePresent:
			m.switchToBluetoothOnActiveDevice()
		case msgDisconnectWiredHeadset:
			_, btAudio := m.bt.AudioConnectedDevice()
			switch {
			case m.wasOnSpeaker:
				m.sendInternal(looper.Message{What: msgSwitchSpeaker})
			case btAudio:
				m.sendInternal(looper.Message{What: msgSwitchBluetooth})
			default:
				m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: includeBluetoothInBaseline})
			}
		case msgBtActiveDeviceGone, msgBtAudioDisconnected, msgConnectDock, msgDisconnectDock:
		default:
			return false
		}
		return true

	case audio.RouteBluetooth:
		switch msg.What {
		case msgConnectWiredHeadset:
			m.sendInternal(looper.Message{What: msgSwitchHeadset})
		case msgBtActiveDevicePresent:
			m.log.Debug("active bluetooth device present while on bluetooth")
		case msgBtActiveDeviceGone:
			m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: noIncludeBluetoothInBaseline})
			m.wasOnSpeaker = false
		case msgDisconnectWiredHeadset, msgConnectDock, msgDisconnectDock:
		default:
			return false
		}
		return true

	default:
		switch msg.What {
		case msgConnectWiredHeadset:
			m.sendInternal(looper.Message{What: msgSwitchHeadset})
		case msgBtActiveDevicePresent:
			m.switchToBluetoothOnActiveDevice()
		case msgDisconnectDock:
			m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: includeBluetoothInBaseline})
		case msgBtActiveDeviceGone, msgDisconnectWiredHeadset, msgBtAudioDisconnected, msgConnectDock:
		default:
			return false
		}
		return true
	}
}

func (m *StateMachine) switchToBluetoothOnActiveDevice() {
	if m.userLeftBluetooth {
		m.log.Info("not switching to bluetooth, user explicitly left it")
		return
	}
	m.sendInternal(looper.Message{What: msgSwitchBluetooth})
}

// processLeaf handles route switches, focus and Bluetooth audio events for
// the current leaf state.
func (m *StateMachine) processLeaf(msg looper.Message) bool {
	switch m.current {
	case stateActiveEarpiece, stateActiveHeadset, stateActiveSpeaker:
		return m.processActiveWired(msg)
	case stateActiveBluetooth:
		return m.processActiveBluetooth(msg)
	case stateRingingBluetooth:
		return m.processRingingBluetooth(msg)
	case stateQuiescentBluetooth:
		return m.processQuiescentBluetooth(msg)
	default:
		return m.processQuiescentWired(msg)
	}
}

// processActiveWired covers the active earpiece, headset and speaker states.
func (m *StateMachine) processActiveWired(msg looper.Message) bool {
	if target, ok := switchTarget(msg.What); ok {
		if m.current == stateActiveSpeaker && isUserSwitch(msg.What) && target != audio.RouteSpeaker {
			m.wasOnSpeaker = false
		}
		if target == m.current.route() {
			return true
		}
		if target == audio.RouteBluetooth {
			m.switchToBluetoothFromActive(msg)
			return true
		}
		m.switchActive(target)
		return true
	}
	switch msg.What {
	case msgBtAudioConnected:
		if m.current == stateActiveHeadset && !m.bluetoothRequested {
			m.log.Info("bluetooth audio came up while on wired headset, keeping headset")
			m.setBluetoothOff()
			return true
		}
		m.transitionTo(stateActiveBluetooth)
	case msgSwitchFocus:
		if audio.FocusType(msg.Arg1) == audio.NoFocus {
			m.reinitialize()
		}
	case msgBtAudioConnectFailed:
		m.bluetoothRequested = false
	default:
		return false
	}
	return true
}

func (m *StateMachine) switchToBluetoothFromActive(msg looper.Message) {
	if !m.availableRoutes.Has(audio.RouteBluetooth) {
		m.fallBack(audio.RouteBluetooth)
		return
	}
	if m.focus == audio.ActiveFocus || m.bt.IsInbandRingingEnabled() {
		addr, _ := msg.Obj.(audio.DeviceID)
		m.setBluetoothOn(addr)
		return
	}
	m.transitionTo(stateRingingBluetooth)
}

// switchActive moves to the active state for a non-Bluetooth target.
func (m *StateMachine) switchActive(target audio.Route) {
	if target != audio.RouteSpeaker && !m.availableRoutes.Has(target) {
		m.fallBack(target)
		return
	}
	m.transitionTo(activeState(target))
}

// switchQuiescent moves to the quiescent state for target.
func (m *StateMachine) switchQuiescent(target audio.Route) {
	if target != audio.RouteSpeaker && !m.availableRoutes.Has(target) {
		m.fallBack(target)
		return
	}
	m.transitionTo(quiescentState(target))
}

// fallBack replaces a switch to an unavailable route with speakerphone,
// which every call supports.
func (m *StateMachine) fallBack(target audio.Route) {
	m.log.Info("requested route not available, falling back to speaker",
		logger.String("requested", target.String()),
		logger.String("available", m.availableRoutes.String()))
	if m.current.route() != audio.RouteSpeaker {
		m.sendInternal(looper.Message{What: msgSwitchSpeaker})
	}
}

func (m *StateMachine) processActiveBluetooth(msg looper.Message) bool {
	if target, ok := switchTarget(msg.What); ok {
		switch target {
		case audio.RouteBluetooth:
			addr, _ := msg.Obj.(audio.DeviceID)
			m.setBluetoothOn(addr)
		default:
			if isUserSwitch(msg.What) {
				m.userLeftBluetooth = true
			}
			m.switchActive(target)
		}
		return true
	}
	switch msg.What {
	case msgBtAudioConnected:
		m.notifyRingerModeChange()
	case msgSwitchFocus:
		switch audio.FocusType(msg.Arg1) {
		case audio.NoFocus:
			m.setBluetoothOff()
			m.reinitialize()
		case audio.RingingFocus:
			if !m.bt.IsInbandRingingEnabled() {
				m.setBluetoothOff()
				m.transitionTo(stateRingingBluetooth)
			}
		}
	case msgBtAudioDisconnected:
		m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: noIncludeBluetoothInBaseline})
	case msgBtAudioConnectFailed:
		if _, ok := m.bt.AudioConnectedDevice(); !ok {
			m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: noIncludeBluetoothInBaseline})
		}
	default:
		return false
	}
	return true
}

func (m *StateMachine) processRingingBluetooth(msg looper.Message) bool {
	if target, ok := switchTarget(msg.What); ok {
		if target == audio.RouteBluetooth {
			return true
		}
		if isUserSwitch(msg.What) {
			m.userLeftBluetooth = true
		}
		m.switchActive(target)
		return true
	}
	switch msg.What {
	case msgBtAudioConnected:
		m.transitionTo(stateActiveBluetooth)
	case msgSwitchFocus:
		switch audio.FocusType(msg.Arg1) {
		case audio.NoFocus:
			m.reinitialize()
		case audio.ActiveFocus:
			m.setBluetoothOn("")
		}
	case msgBtAudioDisconnected:
	case msgBtAudioConnectFailed:
		m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: noIncludeBluetoothInBaseline})
	default:
		return false
	}
	return true
}

func (m *StateMachine) processQuiescentBluetooth(msg looper.Message) bool {
	if target, ok := switchTarget(msg.What); ok {
		if target != audio.RouteBluetooth {
			m.switchQuiescent(target)
		}
		return true
	}
	switch msg.What {
	case msgBtAudioConnected:
		m.transitionTo(stateActiveBluetooth)
	case msgSwitchFocus:
		switch audio.FocusType(msg.Arg1) {
		case audio.ActiveFocus:
			m.setBluetoothOn("")
		case audio.RingingFocus:
			if m.bt.IsInbandRingingEnabled() {
				m.setBluetoothOn("")
			} else {
				m.transitionTo(stateRingingBluetooth)
			}
		}
	case msgBtAudioDisconnected:
	case msgBtAudioConnectFailed:
		if m.focus == audio.ActiveFocus || m.focus == audio.RingingFocus {
			m.sendInternal(looper.Message{What: msgSwitchBaselineRoute, Arg1: noIncludeBluetoothInBaseline})
			m.sendInternal(looper.Message{What: msgSwitchFocus, Arg1: int(m.focus)})
		}
	default:
		return false
	}
	return true
}

// processQuiescentWired covers the quiescent earpiece, headset and speaker
// states.
func (m *StateMachine) processQuiescentWired(msg looper.Message) bool {
	if target, ok := switchTarget(msg.What); ok {
		if target != m.current.route() {
			m.switchQuiescent(target)
		}
		return true
	}
	switch msg.What {
	case msgBtAudioConnected:
		m.log.Warn("bluetooth audio came up in quiescent state", logger.String("state", m.current.String()))
		m.transitionTo(stateActiveBluetooth)
	case msgSwitchFocus:
		if f := audio.FocusType(msg.Arg1); f == audio.ActiveFocus || f == audio.RingingFocus {
			m.transitionTo(activeState(m.current.route()))
		}
	case msgBtAudioConnectFailed:
	default:
		return false
	}
	return true
}

// transitionTo leaves the current state and runs the entry actions of next.
// Moving to the current state does nothing.
func (m *StateMachine) transitionTo(next stateID) {
	from := m.current
	if from == next {
		return
	}
	m.current = next
	m.log.Info("route state transition",
		logger.String("from", from.String()),
		logger.String("to", next.String()))
	if m.metrics != nil {
		m.metrics.RouteTransition(from.String(), next.String())
	}
	m.enter(next)
}

func (m *StateMachine) enter(s stateID) {
	switch s {
	case stateActiveEarpiece, stateActiveHeadset:
		m.setSpeakerphoneOn(false)
		m.setBluetoothOff()
		m.forcePublish = true
	case stateActiveSpeaker:
		m.wasOnSpeaker = true
		m.setSpeakerphoneOn(true)
		m.setBluetoothOff()
		m.forcePublish = true
	case stateActiveBluetooth:
		m.bluetoothRequested = false
		m.setSpeakerphoneOn(false)
		m.forcePublish = true
		if _, ok := m.bt.AudioConnectedDevice(); ok {
			m.notifyRingerModeChange()
		}
	case stateRingingBluetooth:
		m.setSpeakerphoneOn(false)
	default:
		m.userLeftBluetooth = false
	}
}
