package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/getsentry/sentry-go"
)

// EventPublisher publishes error events without this package importing the
// events package.
type EventPublisher interface {
	TryPublish(event any) bool
}

// TelemetryReporter reports errors to an external telemetry system
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	globalEventPublisher atomic.Pointer[EventPublisher]
	globalTelemetry      atomic.Pointer[TelemetryReporter]
)

// SetEventPublisher installs the publisher built errors are sent to. Passing
// nil disables event publishing.
func SetEventPublisher(publisher EventPublisher) {
	if publisher == nil {
		globalEventPublisher.Store(nil)
	} else {
		globalEventPublisher.Store(&publisher)
	}
	refreshReporting()
}

// SetTelemetryReporter installs the telemetry reporter. Passing nil disables it.
func SetTelemetryReporter(reporter TelemetryReporter) {
	if reporter == nil {
		globalTelemetry.Store(nil)
	} else {
		globalTelemetry.Store(&reporter)
	}
	refreshReporting()
}

func refreshReporting() {
	active := globalEventPublisher.Load() != nil
	if r := globalTelemetry.Load(); r != nil && (*r).IsEnabled() {
		active = true
	}
	hasActiveReporting.Store(active)
}

func report(ee *EnhancedError) {
	if p := globalEventPublisher.Load(); p != nil {
		(*p).TryPublish(ee)
	}
	if r := globalTelemetry.Load(); r != nil && (*r).IsEnabled() {
		(*r).ReportError(ee)
	}
}

// SentryReporter implements TelemetryReporter for Sentry
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a Sentry reporter. sentry.Init must have been
// called by the caller when enabled is true.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError sends the error to Sentry with device addresses scrubbed.
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := scrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.GetMessage()))
	title := errorTitle(ee)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_title", title)
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}

		level := levelFor(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

func errorTitle(ee *EnhancedError) string {
	var parts []string
	if ee.Component != "" && ee.Component != ComponentUnknown {
		parts = append(parts, titleCase(ee.Component))
	}
	parts = append(parts, titleCase(strings.ReplaceAll(string(ee.Category), "-", " "))+" Error")
	if op, ok := ee.GetContext()["operation"].(string); ok && op != "" {
		words := strings.Fields(strings.ReplaceAll(op, "_", " "))
		for i, w := range words {
			words[i] = titleCase(w)
		}
		parts = append(parts, strings.Join(words, " "))
	}
	return strings.Join(parts, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func levelFor(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryBluetooth, CategoryDBus, CategoryNetwork, CategoryMQTTConnection, CategoryMQTTPublish, CategoryTimeout, CategoryRetry:
		return sentry.LevelWarning
	case CategoryHTTP, CategoryAudioDevice:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	macPattern   = regexp.MustCompile(`(?i)([0-9a-f]{2}[:_-]){5}[0-9a-f]{2}`)
	urlPattern   = regexp.MustCompile(`(https?|tcp|ssl|ws)://[^\s]+`)
	tokenPattern = regexp.MustCompile(`(?i)(password|token|api[_-]?key)[=:]\S+`)
)

// scrubMessage removes device addresses, broker URLs and credentials.
func scrubMessage(message string) string {
	scrubbed := macPattern.ReplaceAllString(message, "[DEVICE]")
	scrubbed = urlPattern.ReplaceAllString(scrubbed, "[URL]")
	return tokenPattern.ReplaceAllString(scrubbed, "[REDACTED]")
}
