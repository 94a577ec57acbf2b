package audiodev

import (
	"sync"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/logger"
)

// HostManager is the audio.Manager used on hosts without a telephony audio
// service. Speakerphone, mode, focus and microphone mute are kept in memory
// and every change is logged.
type HostManager struct {
	mu       sync.Mutex
	speaker  bool
	muted    bool
	mode     audio.Mode
	focus    audio.StreamType
	hasFocus bool
	log      logger.Logger
}

// NewHostManager creates a HostManager in ModeNormal.
func NewHostManager(log logger.Logger) *HostManager {
	if log == nil {
		log = logger.Global().Module("audiodev")
	}
	return &HostManager{mode: audio.ModeNormal, log: log.Module("host")}
}

func (h *HostManager) SetSpeakerphoneOn(on bool) {
	h.mu.Lock()
	changed := h.speaker != on
	h.speaker = on
	h.mu.Unlock()
	if changed {
		h.log.Info("speakerphone changed", logger.Bool("on", on))
	}
}

func (h *HostManager) IsSpeakerphoneOn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.speaker
}

func (h *HostManager) RequestAudioFocusForCall(stream audio.StreamType, gain audio.FocusGain) {
	h.mu.Lock()
	h.focus, h.hasFocus = stream, true
	h.mu.Unlock()
	h.log.Debug("audio focus requested",
		logger.String("stream", stream.String()),
		logger.String("gain", gain.String()))
}

func (h *HostManager) AbandonAudioFocusForCall() {
	h.mu.Lock()
	had := h.hasFocus
	h.hasFocus = false
	h.mu.Unlock()
	if had {
		h.log.Debug("audio focus abandoned")
	}
}

func (h *HostManager) SetMode(mode audio.Mode) {
	h.mu.Lock()
	prev := h.mode
	h.mode = mode
	h.mu.Unlock()
	if prev != mode {
		h.log.Info("audio mode changed",
			logger.String("from", prev.String()),
			logger.String("to", mode.String()))
	}
}

func (h *HostManager) SetMicrophoneMute(muted bool) {
	h.mu.Lock()
	changed := h.muted != muted
	h.muted = muted
	h.mu.Unlock()
	if changed {
		h.log.Info("microphone mute changed", logger.Bool("muted", muted))
	}
}

func (h *HostManager) IsMicrophoneMute() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.muted
}

// Mode returns the current audio mode.
func (h *HostManager) Mode() audio.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// Focus returns the stream holding call audio focus, if any.
func (h *HostManager) Focus() (audio.StreamType, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focus, h.hasFocus
}

// NotifyMute implements audio.StatusBarNotifier.
func (h *HostManager) NotifyMute(muted bool) {
	h.log.Debug("status bar mute indicator", logger.Bool("muted", muted))
}

// NotifySpeakerphone implements audio.StatusBarNotifier.
func (h *HostManager) NotifySpeakerphone(on bool) {
	h.log.Debug("status bar speakerphone indicator", logger.Bool("on", on))
}
