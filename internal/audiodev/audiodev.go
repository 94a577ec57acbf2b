// Package audiodev holds the host audio plumbing: earpiece detection from
// configuration or playback device names, the in-memory audio manager and
// the tone ringer.
package audiodev

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/callaudio/internal/conf"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
)

// Device is a playback device.
type Device struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	ID      string `json:"id"`
	Default bool   `json:"default"`
}

// Enumerator lists playback devices.
type Enumerator interface {
	PlaybackDevices() ([]Device, error)
}

// Source says how a Result was reached.
type Source string

const (
	SourceForced   Source = "forced"
	SourceDetected Source = "detected"
	SourceNone     Source = "none"
)

// Result is the outcome of earpiece detection.
type Result struct {
	Supported bool   `json:"supported"`
	Device    string `json:"device,omitempty"`
	Source    Source `json:"source"`
}

// Detector applies the earpiece_control setting.
type Detector struct {
	mode     string
	patterns []string
	enum     Enumerator
	log      logger.Logger
}

// NewDetector creates a detector for mode (conf.EarpieceAuto,
// conf.EarpieceForceEnabled or conf.EarpieceForceDisabled). A nil
// enumerator uses malgo.
func NewDetector(mode string, patterns []string, enum Enumerator) *Detector {
	if enum == nil {
		enum = MalgoEnumerator{}
	}
	return &Detector{
		mode:     mode,
		patterns: patterns,
		enum:     enum,
		log:      logger.Global().Module("audiodev"),
	}
}

// FromSettings creates a detector from the audio settings.
func FromSettings(s *conf.AudioSettings, enum Enumerator) *Detector {
	return NewDetector(s.EarpieceControl, s.EarpiecePatterns, enum)
}

// Detect reports whether an earpiece route is available. Enumeration
// failures in auto mode are returned together with an unsupported result.
func (d *Detector) Detect() (Result, error) {
	switch d.mode {
	case conf.EarpieceForceEnabled:
		return Result{Supported: true, Source: SourceForced}, nil
	case conf.EarpieceForceDisabled:
		return Result{Supported: false, Source: SourceForced}, nil
	case conf.EarpieceAuto, "":
	default:
		return Result{Source: SourceNone}, errors.Newf("unknown earpiece control mode %q", d.mode).
			Component("audiodev").
			Category(errors.CategoryConfiguration).
			Build()
	}

	devices, err := d.enum.PlaybackDevices()
	if err != nil {
		return Result{Source: SourceNone}, err
	}
	dev, ok := MatchEarpiece(devices, d.patterns)
	if !ok {
		d.log.Info("no earpiece found", logger.Int("devices", len(devices)))
		return Result{Source: SourceNone}, nil
	}
	d.log.Info("earpiece found", logger.String("device", dev.Name))
	return Result{Supported: true, Device: dev.Name, Source: SourceDetected}, nil
}

// MatchEarpiece returns the first device whose name or id contains one of
// patterns, case-insensitively.
func MatchEarpiece(devices []Device, patterns []string) (Device, bool) {
	for _, dev := range devices {
		name := strings.ToLower(dev.Name)
		id := strings.ToLower(dev.ID)
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if strings.Contains(name, p) || strings.Contains(id, p) {
				return dev, true
			}
		}
	}
	return Device{}, false
}

// MalgoEnumerator lists playback devices through miniaudio.
type MalgoEnumerator struct{}

// PlaybackDevices implements Enumerator.
func (MalgoEnumerator) PlaybackDevices() ([]Device, error) {
	backend, err := backendForPlatform()
	if err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, deviceError(err, "init_context")
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, deviceError(err, "enumerate_devices")
	}

	devices := make([]Device, 0, len(infos))
	for i := range infos {
		// miniaudio's null device
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		devices = append(devices, Device{
			Index:   i,
			Name:    infos[i].Name(),
			ID:      decodeID(infos[i].ID.String()),
			Default: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

func backendForPlatform() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.Newf("unsupported operating system %s", runtime.GOOS).
			Component("audiodev").
			Category(errors.CategoryAudioDevice).
			Context("os", runtime.GOOS).
			Build()
	}
}

// decodeID turns miniaudio's hex device id into its ASCII form, for
// example "hw:0,0" on ALSA. Undecodable ids are returned unchanged.
func decodeID(id string) string {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return id
	}
	return strings.TrimRight(string(raw), "\x00")
}

func deviceError(err error, op string) error {
	return errors.New(err).
		Component("audiodev").
		Category(errors.CategoryAudioDevice).
		Context("operation", op).
		Build()
}
