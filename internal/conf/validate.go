package conf

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/tphakala/callaudio/internal/errors"
)

// ValidationError collects every problem found in a Settings value.
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks every section and reports all problems at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateAudioSettings(&settings.Audio)...)
	ve.Errors = append(ve.Errors, validateBluetoothSettings(&settings.Bluetooth)...)
	ve.Errors = append(ve.Errors, validateMQTTSettings(&settings.MQTT)...)
	ve.Errors = append(ve.Errors, validateAPISettings(&settings.API)...)
	ve.Errors = append(ve.Errors, validateMetricsSettings(&settings.Metrics)...)
	ve.Errors = append(ve.Errors, validateTelemetrySettings(&settings.Telemetry)...)
	ve.Errors = append(ve.Errors, validateEventBusSettings(&settings.EventBus)...)

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("problems", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateAudioSettings(s *AudioSettings) []string {
	var problems []string
	modes := []string{EarpieceAuto, EarpieceForceEnabled, EarpieceForceDisabled}
	if !slices.Contains(modes, s.EarpieceControl) {
		problems = append(problems, fmt.Sprintf("audio.earpiece_control must be one of %v, got %q", modes, s.EarpieceControl))
	}
	if s.EarpieceControl == EarpieceAuto && len(s.EarpiecePatterns) == 0 {
		problems = append(problems, "audio.earpiece_patterns must not be empty when earpiece_control is auto")
	}
	if s.Ringer.Volume < 0 || s.Ringer.Volume > 1 {
		problems = append(problems, fmt.Sprintf("audio.ringer.volume must be between 0 and 1, got %g", s.Ringer.Volume))
	}
	return problems
}

func validateBluetoothSettings(s *BluetoothSettings) []string {
	if !s.Enabled {
		return nil
	}
	var problems []string
	if s.Adapter == "" {
		problems = append(problems, "bluetooth.adapter must be set")
	}
	if s.ConnectionTimeout <= 0 {
		problems = append(problems, "bluetooth.connection_timeout must be positive")
	}
	if s.RetryBackoff < 0 {
		problems = append(problems, "bluetooth.retry_backoff must not be negative")
	}
	if s.MaxConnectAttempts < 1 {
		problems = append(problems, "bluetooth.max_connect_attempts must be at least 1")
	}
	return problems
}

func validateMQTTSettings(s *MQTTSettings) []string {
	if !s.Enabled {
		return nil
	}
	var problems []string
	if s.Broker == "" {
		problems = append(problems, "mqtt.broker must be set when mqtt is enabled")
	} else if u, err := url.Parse(s.Broker); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("mqtt.broker %q is not a valid broker URL", s.Broker))
	}
	if s.Topic == "" {
		problems = append(problems, "mqtt.topic must be set when mqtt is enabled")
	}
	return problems
}

func validateAPISettings(s *APISettings) []string {
	if !s.Enabled {
		return nil
	}
	var problems []string
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		problems = append(problems, fmt.Sprintf("api.listen %q is not host:port", s.Listen))
	}
	if s.RateLimit <= 0 {
		problems = append(problems, "api.rate_limit must be positive")
	}
	return problems
}

func validateMetricsSettings(s *MetricsSettings) []string {
	if !s.Enabled || s.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []string{fmt.Sprintf("metrics.listen %q is not host:port", s.Listen)}
	}
	return nil
}

func validateTelemetrySettings(s *TelemetrySettings) []string {
	if s.Enabled && s.DSN == "" {
		return []string{"telemetry.dsn must be set when telemetry is enabled"}
	}
	return nil
}

func validateEventBusSettings(s *EventBusSettings) []string {
	var problems []string
	if s.BufferSize < 1 {
		problems = append(problems, "eventbus.buffer_size must be at least 1")
	}
	if s.Workers < 1 {
		problems = append(problems, "eventbus.workers must be at least 1")
	}
	if s.DedupTTL < 0 {
		problems = append(problems, "eventbus.dedup_ttl must not be negative")
	}
	return problems
}
