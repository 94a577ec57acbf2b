package routing

import "strconv"

const (
	msgConnectWiredHeadset = iota + 1
	msgDisconnectWiredHeadset
	msgConnectDock
	msgDisconnectDock
	msgBluetoothDeviceListChanged
	msgBtActiveDevicePresent
	msgBtActiveDeviceGone

	msgSwitchEarpiece
	msgSwitchBluetooth
	msgSwitchHeadset
	msgSwitchSpeaker
	msgSwitchBaselineRoute

	msgUserSwitchEarpiece
	msgUserSwitchBluetooth
	msgUserSwitchHeadset
	msgUserSwitchSpeaker
	msgUserSwitchBaselineRoute

	msgUpdateSystemAudioRoute

	msgBtAudioDisconnected
	msgBtAudioConnected
	msgBtAudioConnectFailed
	msgDisconnectHfp

	msgMuteOn
	msgMuteOff
	msgToggleMute
	msgMuteExternallyChanged

	msgSwitchFocus
	msgInitialize
)

// Arg1 values for baseline switches.
const (
	noIncludeBluetoothInBaseline = 0
	includeBluetoothInBaseline   = 1
)

var messageNames = map[int]string{
	msgConnectWiredHeadset:        "CONNECT_WIRED_HEADSET",
	msgDisconnectWiredHeadset:     "DISCONNECT_WIRED_HEADSET",
	msgConnectDock:                "CONNECT_DOCK",
	msgDisconnectDock:             "DISCONNECT_DOCK",
	msgBluetoothDeviceListChanged: "BLUETOOTH_DEVICE_LIST_CHANGED",
	msgBtActiveDevicePresent:      "BT_ACTIVE_DEVICE_PRESENT",
	msgBtActiveDeviceGone:         "BT_ACTIVE_DEVICE_GONE",
	msgSwitchEarpiece:             "SWITCH_EARPIECE",
	msgSwitchBluetooth:            "SWITCH_BLUETOOTH",
	msgSwitchHeadset:              "SWITCH_HEADSET",
	msgSwitchSpeaker:              "SWITCH_SPEAKER",
	msgSwitchBaselineRoute:        "SWITCH_BASELINE_ROUTE",
	msgUserSwitchEarpiece:         "USER_SWITCH_EARPIECE",
	msgUserSwitchBluetooth:        "USER_SWITCH_BLUETOOTH",
	msgUserSwitchHeadset:          "USER_SWITCH_HEADSET",
	msgUserSwitchSpeaker:          "USER_SWITCH_SPEAKER",
	msgUserSwitchBaselineRoute:    "USER_SWITCH_BASELINE_ROUTE",
	msgUpdateSystemAudioRoute:     "UPDATE_SYSTEM_AUDIO_ROUTE",
	msgBtAudioDisconnected:        "BT_AUDIO_DISCONNECTED",
	msgBtAudioConnected:           "BT_AUDIO_CONNECTED",
	msgBtAudioConnectFailed:       "BT_AUDIO_CONNECT_FAILED",
	msgDisconnectHfp:              "DISCONNECT_HFP",
	msgMuteOn:                     "MUTE_ON",
	msgMuteOff:                    "MUTE_OFF",
	msgToggleMute:                 "TOGGLE_MUTE",
	msgMuteExternallyChanged:      "MUTE_EXTERNALLY_CHANGED",
	msgSwitchFocus:                "SWITCH_FOCUS",
	msgInitialize:                 "INITIALIZE",
}

func messageName(what int) string {
	if name, ok := messageNames[what]; ok {
		return name
	}
	return strconv.Itoa(what)
}

// isUserSwitch reports whether what is an explicit user route request.
func isUserSwitch(what int) bool {
	switch what {
	case msgUserSwitchEarpiece, msgUserSwitchBluetooth, msgUserSwitchHeadset, msgUserSwitchSpeaker, msgUserSwitchBaselineRoute:
		return true
	default:
		return false
	}
}
