package audiodev

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/callaudio/internal/audiomode"
	"github.com/tphakala/callaudio/internal/conf"
	"github.com/tphakala/callaudio/internal/logger"
)

const toneSampleRate = 16000

// Tone is a cadenced mix of sine waves.
type Tone struct {
	Frequencies []float64
	On          time.Duration
	Off         time.Duration
	Volume      float64
}

// North American ring and call waiting cadences.
var (
	RingTone        = Tone{Frequencies: []float64{440, 480}, On: 2 * time.Second, Off: 4 * time.Second}
	CallWaitingTone = Tone{Frequencies: []float64{440}, On: 300 * time.Millisecond, Off: 9700 * time.Millisecond}
)

// Player plays one tone at a time until stopped.
type Player interface {
	Start(t Tone) error
	Stop()
}

// ToneRinger implements audiomode.Ringer by playing tones through a Player.
type ToneRinger struct {
	mu      sync.Mutex
	player  Player
	silent  bool
	volume  float64
	ringing bool
	waiting bool
	log     logger.Logger
}

var _ audiomode.Ringer = (*ToneRinger)(nil)

// NewToneRinger creates a ringer. A nil player uses the default playback
// device through malgo.
func NewToneRinger(settings conf.RingerSettings, player Player, log logger.Logger) *ToneRinger {
	if player == nil {
		player = &MalgoPlayer{}
	}
	if log == nil {
		log = logger.Global().Module("audiodev")
	}
	return &ToneRinger{
		player: player,
		silent: settings.Silent,
		volume: settings.Volume,
		log:    log.Module("ringer"),
	}
}

// StartRinging returns false when the ringer is silenced, muted by volume or
// the playback device fails.
func (r *ToneRinger) StartRinging(s audiomode.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.silent || r.volume == 0 {
		r.log.Debug("ringer silenced", logger.String("calls", s.String()))
		return false
	}
	if r.ringing {
		return true
	}
	tone := RingTone
	tone.Volume = r.volume
	if err := r.player.Start(tone); err != nil {
		r.log.Warn("ringtone playback failed", logger.Error(err))
		return false
	}
	r.ringing, r.waiting = true, false
	r.log.Info("ringing started")
	return true
}

func (r *ToneRinger) StopRinging() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ringing {
		return
	}
	r.player.Stop()
	r.ringing = false
	r.log.Info("ringing stopped")
}

// StartCallWaiting plays the call waiting tone unless the ringtone is
// playing.
func (r *ToneRinger) StartCallWaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ringing || r.waiting || r.silent {
		return
	}
	tone := CallWaitingTone
	tone.Volume = max(r.volume, 0.1)
	if err := r.player.Start(tone); err != nil {
		r.log.Warn("call waiting tone failed", logger.Error(err))
		return
	}
	r.waiting = true
}

func (r *ToneRinger) StopCallWaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.waiting {
		return
	}
	r.player.Stop()
	r.waiting = false
}

// toneGenerator renders a Tone as mono signed 16-bit little endian samples.
type toneGenerator struct {
	tone       Tone
	sampleRate int
	pos        int
	onSamples  int
	period     int
}

func newToneGenerator(t Tone, sampleRate int) *toneGenerator {
	on := int(t.On.Seconds() * float64(sampleRate))
	off := int(t.Off.Seconds() * float64(sampleRate))
	return &toneGenerator{tone: t, sampleRate: sampleRate, onSamples: on, period: max(on+off, 1)}
}

func (g *toneGenerator) fill(out []byte) {
	amp := math.Min(math.Max(g.tone.Volume, 0), 1) * math.MaxInt16
	if n := len(g.tone.Frequencies); n > 0 {
		amp /= float64(n)
	}
	for i := 0; i+1 < len(out); i += 2 {
		var v float64
		if g.pos%g.period < g.onSamples {
			t := float64(g.pos) / float64(g.sampleRate)
			for _, f := range g.tone.Frequencies {
				v += math.Sin(2 * math.Pi * f * t)
			}
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v*amp)))
		g.pos++
	}
}

// MalgoPlayer plays tones on the default playback device.
type MalgoPlayer struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// Start replaces any playing tone with t.
func (p *MalgoPlayer) Start(t Tone) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	backend, err := backendForPlatform()
	if err != nil {
		return err
	}
	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return deviceError(err, "init_context")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = toneSampleRate
	cfg.Alsa.NoMMap = 1

	gen := newToneGenerator(t, toneSampleRate)
	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			gen.fill(out[:min(len(out), int(frames)*2)])
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return deviceError(err, "init_playback_device")
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return deviceError(err, "start_playback_device")
	}
	p.ctx, p.device = ctx, device
	return nil
}

// Stop silences the device and releases it.
func (p *MalgoPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *MalgoPlayer) stopLocked() {
	if p.device != nil {
		_ = p.device.Stop()
		p.device.Uninit()
		p.device = nil
	}
	if p.ctx != nil {
		_ = p.ctx.Uninit()
		p.ctx.Free()
		p.ctx = nil
	}
}
