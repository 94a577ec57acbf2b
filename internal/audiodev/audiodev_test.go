package audiodev

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/conf"
	"github.com/tphakala/callaudio/internal/errors"
)

type staticEnumerator struct {
	devices []Device
	err     error
	calls   int
}

func (s *staticEnumerator) PlaybackDevices() ([]Device, error) {
	s.calls++
	return s.devices, s.err
}

var defaultPatterns = []string{"earpiece", "receiver", "handset"}

func TestDetect(t *testing.T) {
	t.Parallel()

	phone := []Device{
		{Index: 0, Name: "Built-in Speaker", ID: "hw:0,0", Default: true},
		{Index: 1, Name: "Voice Receiver", ID: "hw:0,1"},
	}
	laptop := []Device{
		{Index: 0, Name: "HDA Intel PCH: ALC257 Analog", ID: "hw:0,0"},
	}

	tests := []struct {
		name      string
		mode      string
		devices   []Device
		want      Result
		wantCalls int
	}{
		{"forced on", conf.EarpieceForceEnabled, laptop, Result{Supported: true, Source: SourceForced}, 0},
		{"forced off", conf.EarpieceForceDisabled, phone, Result{Source: SourceForced}, 0},
		{"auto match", conf.EarpieceAuto, phone, Result{Supported: true, Device: "Voice Receiver", Source: SourceDetected}, 1},
		{"auto no match", conf.EarpieceAuto, laptop, Result{Source: SourceNone}, 1},
		{"empty mode is auto", "", phone, Result{Supported: true, Device: "Voice Receiver", Source: SourceDetected}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			enum := &staticEnumerator{devices: tt.devices}
			got, err := NewDetector(tt.mode, defaultPatterns, enum).Detect()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, enum.calls)
		})
	}
}

func TestDetectErrors(t *testing.T) {
	t.Parallel()

	_, err := NewDetector("sometimes", defaultPatterns, &staticEnumerator{}).Detect()
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	failing := &staticEnumerator{err: deviceError(errors.NewStd("no backend"), "init_context")}
	got, err := NewDetector(conf.EarpieceAuto, defaultPatterns, failing).Detect()
	assert.True(t, errors.IsCategory(err, errors.CategoryAudioDevice))
	assert.False(t, got.Supported)
}

func TestFromSettings(t *testing.T) {
	t.Parallel()

	s := &conf.AudioSettings{EarpieceControl: conf.EarpieceAuto, EarpiecePatterns: []string{"handset"}}
	enum := &staticEnumerator{devices: []Device{{Name: "USB Handset"}}}
	got, err := FromSettings(s, enum).Detect()
	require.NoError(t, err)
	assert.True(t, got.Supported)
}

func TestMatchEarpiece(t *testing.T) {
	t.Parallel()

	devices := []Device{
		{Name: "Speaker", ID: "hw:0,0"},
		{Name: "Analog Out", ID: "earpiece:1"},
	}
	dev, ok := MatchEarpiece(devices, []string{"  ", "EARPIECE"})
	require.True(t, ok)
	assert.Equal(t, "Analog Out", dev.Name)

	_, ok = MatchEarpiece(devices, nil)
	assert.False(t, ok)
}

func TestDecodeID(t *testing.T) {
	t.Parallel()

	encoded := hex.EncodeToString([]byte("hw:1,0\x00\x00"))
	assert.Equal(t, "hw:1,0", decodeID(encoded))
	assert.Equal(t, "not-hex", decodeID("not-hex"))
}
