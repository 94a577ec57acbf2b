// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/callaudio/internal/logger"
)

// setDefaultConfig registers a default for every key so environment
// overrides work without a config file.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("audio.earpiece_control", EarpieceAuto)
	v.SetDefault("audio.earpiece_patterns", []string{"earpiece", "receiver", "handset"})
	v.SetDefault("audio.wired_headset_plugged", false)
	v.SetDefault("audio.ringer.silent", false)
	v.SetDefault("audio.ringer.volume", 0.5)

	v.SetDefault("bluetooth.enabled", true)
	v.SetDefault("bluetooth.adapter", "hci0")
	v.SetDefault("bluetooth.connection_timeout", 10*time.Second)
	v.SetDefault("bluetooth.retry_backoff", 500*time.Millisecond)
	v.SetDefault("bluetooth.max_connect_attempts", 3)
	v.SetDefault("bluetooth.inband_ringing", false)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)
	v.SetDefault("logging.module_levels", map[string]string{})

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "callaudio")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "callaudio")
	v.SetDefault("mqtt.retain", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8089")
	v.SetDefault("api.rate_limit", 20)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")

	v.SetDefault("eventbus.buffer_size", 1000)
	v.SetDefault("eventbus.workers", 1)
	v.SetDefault("eventbus.dedup_ttl", time.Minute)
}
