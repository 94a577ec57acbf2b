package scenario

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
)

func newTestRunner() *Runner {
	return NewRunner(WithLogger(logger.NewDiscard()))
}

func TestScenarioFiles(t *testing.T) {
	t.Parallel()

	files, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			t.Parallel()

			sc, err := Load(file)
			require.NoError(t, err)

			res, err := newTestRunner().Run(t.Context(), sc)
			require.NoError(t, err)
			assert.True(t, res.Passed(), "failures: %v", res.Failures)
		})
	}
}

func TestParseRejectsBadScenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown action", "steps:\n  - {action: teleport}\n"},
		{"call without state", "steps:\n  - {action: call_added, call: c1}\n"},
		{"bad call state", "steps:\n  - {action: call_added, call: c1, state: sleeping}\n"},
		{"mute without on", "steps:\n  - {action: mute}\n"},
		{"bad route", "steps:\n  - {action: route, route: loudhailer}\n"},
		{"bad focus", "steps:\n  - {action: focus, focus: half}\n"},
		{"device missing", "steps:\n  - {action: bt_hfp_on}\n"},
		{"unknown key", "hardware:\n  earpieces: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestRunReportsUnmetExpectations(t *testing.T) {
	t.Parallel()

	sc, err := Parse([]byte(`
name: wrong expectations
hardware:
  earpiece: true
steps:
  - {action: call_added, call: c1, state: active}
  - {action: mute, on: true}
expect:
  route: speaker
  muted: false
  connect_attempts: 2
`))
	require.NoError(t, err)

	res, err := newTestRunner().Run(t.Context(), sc)
	require.NoError(t, err)
	assert.False(t, res.Passed())
	assert.Len(t, res.Failures, 3)
	assert.Equal(t, audio.RouteEarpiece, res.State.Route)
	assert.True(t, res.State.Muted)
}

func TestRunStepErrorsAreReported(t *testing.T) {
	t.Parallel()

	sc, err := Parse([]byte(`
steps:
  - {action: call_state, call: ghost, state: active}
`))
	require.NoError(t, err)

	_, err = newTestRunner().Run(t.Context(), sc)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryScenario))
}

func TestRejectedConnectsAreRetried(t *testing.T) {
	t.Parallel()

	sc, err := Parse([]byte(`
hardware:
  earpiece: true
  reject_connects: true
  bluetooth_devices: ["AA:AA:AA:AA:AA:AA"]
steps:
  - {action: call_added, call: c1, state: active}
  - {action: route, route: bluetooth, device: "AA:AA:AA:AA:AA:AA"}
`))
	require.NoError(t, err)

	res, err := newTestRunner().Run(t.Context(), sc)
	require.NoError(t, err)
	assert.Equal(t, "AudioOff", res.BluetoothState)
	assert.GreaterOrEqual(t, res.ConnectAttempts, 1)
	assert.NotEqual(t, audio.RouteBluetooth, res.State.Route)
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	focus, err := parseFocus("RINGING")
	require.NoError(t, err)
	assert.Equal(t, audio.RingingFocus, focus)

	state, err := parseCallState("held")
	require.NoError(t, err)
	assert.Equal(t, "ON_HOLD", state.String())
}
