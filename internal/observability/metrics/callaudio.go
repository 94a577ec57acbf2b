package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/events"
)

// CallAudioMetrics holds the collectors for the Bluetooth route manager, the
// audio route machine, the audio mode coordinator, their loopers and the
// event bus. It satisfies each of their metrics hooks.
type CallAudioMetrics struct {
	routeTransitions     *prometheus.CounterVec
	statesPublished      *prometheus.CounterVec
	currentRoute         *prometheus.GaugeVec
	muted                prometheus.Gauge
	btConnectAttempts    *prometheus.CounterVec
	btConnectFailures    prometheus.Counter
	btConnectionTimeouts prometheus.Counter
	btTransitions        *prometheus.CounterVec
	focusRequests        *prometheus.CounterVec
	audioMode            *prometheus.GaugeVec
	messagesHandled      *prometheus.CounterVec
	messageWait          *prometheus.HistogramVec
	messageDuration      *prometheus.HistogramVec
	queueDepth           *prometheus.GaugeVec
	messagesDropped      *prometheus.CounterVec
	eventsDropped        *prometheus.CounterVec
}

// NewCallAudioMetrics creates and registers the call audio collectors.
func NewCallAudioMetrics(registry *prometheus.Registry) (*CallAudioMetrics, error) {
	m := &CallAudioMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register call audio metrics: %w", err)
	}
	return m, nil
}

func (m *CallAudioMetrics) initMetrics() {
	m.routeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_route_transitions_total",
		Help: "Audio route state machine transitions",
	}, []string{"from", "to"})

	m.statesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_states_published_total",
		Help: "Call audio states published to listeners, by route",
	}, []string{"route"})

	m.currentRoute = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "callaudio_current_route",
		Help: "1 for the route of the last published call audio state",
	}, []string{"route"})

	m.muted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callaudio_muted",
		Help: "Microphone mute in the last published call audio state",
	})

	m.btConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_bluetooth_connect_attempts_total",
		Help: "Bluetooth SCO connect attempts, by whether the stack accepted the request",
	}, []string{"result"})

	m.btConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callaudio_bluetooth_connect_failures_total",
		Help: "Bluetooth audio connections that used up every attempt",
	})

	m.btConnectionTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callaudio_bluetooth_connection_timeouts_total",
		Help: "Bluetooth audio connections not confirmed in time",
	})

	m.btTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_bluetooth_transitions_total",
		Help: "Bluetooth route manager state transitions",
	}, []string{"from", "to"})

	m.focusRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_audio_focus_requests_total",
		Help: "Audio focus requests, by stream",
	}, []string{"stream"})

	m.audioMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "callaudio_audio_mode",
		Help: "1 for the audio mode last set on the platform",
	}, []string{"mode"})

	m.messagesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_looper_messages_total",
		Help: "Messages handled by each state machine looper",
	}, []string{"looper"})

	m.messageWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callaudio_looper_message_wait_seconds",
		Help:    "Time messages spend queued before being handled",
		Buckets: prometheus.ExponentialBuckets(bucketStart100us, bucketDouble, bucketCount12),
	}, []string{"looper"})

	m.messageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callaudio_looper_message_duration_seconds",
		Help:    "Time spent handling a message",
		Buckets: prometheus.ExponentialBuckets(bucketStart100us, bucketDouble, bucketCount12),
	}, []string{"looper"})

	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "callaudio_looper_queue_depth",
		Help: "Messages waiting in each looper queue",
	}, []string{"looper"})

	m.messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_looper_messages_dropped_total",
		Help: "Messages posted after a looper quit",
	}, []string{"looper", "what"})

	m.eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callaudio_events_dropped_total",
		Help: "Events dropped by the event bus because its buffer was full",
	}, []string{"type"})
}

func (m *CallAudioMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.routeTransitions,
		m.statesPublished,
		m.currentRoute,
		m.muted,
		m.btConnectAttempts,
		m.btConnectFailures,
		m.btConnectionTimeouts,
		m.btTransitions,
		m.focusRequests,
		m.audioMode,
		m.messagesHandled,
		m.messageWait,
		m.messageDuration,
		m.queueDepth,
		m.messagesDropped,
		m.eventsDropped,
	}
}

// Describe implements prometheus.Collector.
func (m *CallAudioMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *CallAudioMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Route machine.

func (m *CallAudioMetrics) RouteTransition(from, to string) {
	m.routeTransitions.WithLabelValues(from, to).Inc()
}

func (m *CallAudioMetrics) AudioStatePublished(state audio.CallAudioState) {
	m.statesPublished.WithLabelValues(state.Route.String()).Inc()
	m.currentRoute.Reset()
	m.currentRoute.WithLabelValues(state.Route.String()).Set(1)
	if state.Muted {
		m.muted.Set(1)
	} else {
		m.muted.Set(0)
	}
}

// Bluetooth route manager.

func (m *CallAudioMetrics) BluetoothConnectAttempt(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.btConnectAttempts.WithLabelValues(result).Inc()
}

func (m *CallAudioMetrics) BluetoothConnectFailed()     { m.btConnectFailures.Inc() }
func (m *CallAudioMetrics) BluetoothConnectionTimeout() { m.btConnectionTimeouts.Inc() }

func (m *CallAudioMetrics) BluetoothTransition(from, to string) {
	m.btTransitions.WithLabelValues(from, to).Inc()
}

// Audio mode coordinator.

func (m *CallAudioMetrics) AudioFocusRequested(stream audio.StreamType) {
	m.focusRequests.WithLabelValues(stream.String()).Inc()
}

func (m *CallAudioMetrics) AudioModeChanged(mode audio.Mode) {
	m.audioMode.Reset()
	m.audioMode.WithLabelValues(mode.String()).Set(1)
}

// Loopers.

func (m *CallAudioMetrics) MessageHandled(looper string, _ int, wait, took time.Duration) {
	m.messagesHandled.WithLabelValues(looper).Inc()
	m.messageWait.WithLabelValues(looper).Observe(wait.Seconds())
	m.messageDuration.WithLabelValues(looper).Observe(took.Seconds())
}

func (m *CallAudioMetrics) QueueDepth(looper string, depth int) {
	m.queueDepth.WithLabelValues(looper).Set(float64(depth))
}

func (m *CallAudioMetrics) MessageDropped(looper string, what int) {
	m.messagesDropped.WithLabelValues(looper, strconv.Itoa(what)).Inc()
}

// Event bus.

func (m *CallAudioMetrics) EventDropped(eventType events.EventType) {
	m.eventsDropped.WithLabelValues(string(eventType)).Inc()
}
