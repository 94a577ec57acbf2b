package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "debug: false\n")

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EarpieceAuto, settings.Audio.EarpieceControl)
	assert.Equal(t, []string{"earpiece", "receiver", "handset"}, settings.Audio.EarpiecePatterns)
	assert.False(t, settings.Audio.Ringer.Silent)
	assert.InDelta(t, 0.5, settings.Audio.Ringer.Volume, 1e-9)
	assert.Equal(t, 10*time.Second, settings.Bluetooth.ConnectionTimeout)
	assert.Equal(t, 500*time.Millisecond, settings.Bluetooth.RetryBackoff)
	assert.Equal(t, 3, settings.Bluetooth.MaxConnectAttempts)
	assert.Equal(t, "127.0.0.1:8089", settings.API.Listen)
	assert.Equal(t, 1, settings.EventBus.Workers)
	assert.Equal(t, time.Minute, settings.EventBus.DedupTTL)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
audio:
  earpiece_control: force_disabled
bluetooth:
  adapter: hci1
  connection_timeout: 3s
  max_connect_attempts: 5
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
  topic: home/phone
logging:
  default_level: debug
  module_levels:
    routing: trace
`)

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EarpieceForceDisabled, settings.Audio.EarpieceControl)
	assert.Equal(t, "hci1", settings.Bluetooth.Adapter)
	assert.Equal(t, 3*time.Second, settings.Bluetooth.ConnectionTimeout)
	assert.Equal(t, 5, settings.Bluetooth.MaxConnectAttempts)
	assert.True(t, settings.MQTT.Enabled)
	assert.Equal(t, "home/phone", settings.MQTT.Topic)
	assert.True(t, settings.MQTT.Retain)
	assert.Equal(t, "debug", settings.Logging.DefaultLevel)
	assert.Equal(t, "trace", settings.Logging.ModuleLevels["routing"])
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("CALLAUDIO_API_LISTEN", "0.0.0.0:9000")
	t.Setenv("CALLAUDIO_BLUETOOTH_RETRY_BACKOFF", "2s")
	path := writeConfig(t, "api:\n  listen: 127.0.0.1:1\n")

	settings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", settings.API.Listen)
	assert.Equal(t, 2*time.Second, settings.Bluetooth.RetryBackoff)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestValidateSettingsCollectsAllProblems(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "debug: true\n")
	settings, err := Load(path)
	require.NoError(t, err)

	settings.Audio.EarpieceControl = "sometimes"
	settings.Bluetooth.MaxConnectAttempts = 0
	settings.MQTT.Enabled = true
	settings.MQTT.Broker = "not a url"
	settings.API.RateLimit = 0
	settings.Telemetry.Enabled = true
	settings.EventBus.Workers = 0
	settings.Audio.Ringer.Volume = 1.5

	err = ValidateSettings(settings)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Errors, 7)
	assert.Contains(t, err.Error(), "audio.earpiece_control")
}

func TestDisabledSectionsAreNotValidated(t *testing.T) {
	t.Parallel()

	settings := &Settings{
		Audio:    AudioSettings{EarpieceControl: EarpieceForceEnabled},
		EventBus: EventBusSettings{BufferSize: 1, Workers: 1},
	}
	assert.NoError(t, ValidateSettings(settings))
}
