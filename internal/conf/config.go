// Package conf loads and validates the callaudio settings.
package conf

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
)

// Earpiece detection modes.
const (
	EarpieceAuto          = "auto"
	EarpieceForceEnabled  = "force_enabled"
	EarpieceForceDisabled = "force_disabled"
)

// EnvPrefix prefixes environment overrides, e.g. CALLAUDIO_MQTT_BROKER.
const EnvPrefix = "CALLAUDIO"

// Settings is the whole configuration.
type Settings struct {
	Debug     bool                 `mapstructure:"debug" yaml:"debug"`
	Audio     AudioSettings        `mapstructure:"audio" yaml:"audio"`
	Bluetooth BluetoothSettings    `mapstructure:"bluetooth" yaml:"bluetooth"`
	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	MQTT      MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	API       APISettings          `mapstructure:"api" yaml:"api"`
	Metrics   MetricsSettings      `mapstructure:"metrics" yaml:"metrics"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`
	EventBus  EventBusSettings     `mapstructure:"eventbus" yaml:"eventbus"`
}

// AudioSettings describes the local audio hardware.
type AudioSettings struct {
	EarpieceControl     string         `mapstructure:"earpiece_control" yaml:"earpiece_control"`
	EarpiecePatterns    []string       `mapstructure:"earpiece_patterns" yaml:"earpiece_patterns"`
	WiredHeadsetPlugged bool           `mapstructure:"wired_headset_plugged" yaml:"wired_headset_plugged"`
	Ringer              RingerSettings `mapstructure:"ringer" yaml:"ringer"`
}

// RingerSettings controls the ringtone played for incoming calls.
type RingerSettings struct {
	Silent bool    `mapstructure:"silent" yaml:"silent"`
	Volume float64 `mapstructure:"volume" yaml:"volume"` // 0.0 to 1.0
}

// BluetoothSettings controls the BlueZ adapter and SCO connection timing.
type BluetoothSettings struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Adapter            string        `mapstructure:"adapter" yaml:"adapter"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxConnectAttempts int           `mapstructure:"max_connect_attempts" yaml:"max_connect_attempts"`
	InbandRinging      bool          `mapstructure:"inband_ringing" yaml:"inband_ringing"`
}

// MQTTSettings configures the state publisher.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	Retain   bool   `mapstructure:"retain" yaml:"retain"`
}

// APISettings configures the HTTP control API.
type APISettings struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	Listen    string  `mapstructure:"listen" yaml:"listen"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second per client
}

// MetricsSettings configures Prometheus exposition. With an empty Listen
// the metrics are served by the API under /metrics.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// TelemetrySettings configures Sentry error reporting.
type TelemetrySettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// EventBusSettings sizes the event bus.
type EventBusSettings struct {
	BufferSize int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	DedupTTL   time.Duration `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
}

// Load reads configFile, or searches the default paths when it is empty,
// applies environment overrides and validates the result. A missing config
// file is not an error; the defaults are used.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		paths, err := GetDefaultConfigPaths()
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("operation", "read-config").
				Context("file", configFile).
				Build()
		}
		log.Info("no config file found, using defaults")
	} else {
		log.Info("loaded config", logger.String("file", v.ConfigFileUsed()))
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal-config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}
