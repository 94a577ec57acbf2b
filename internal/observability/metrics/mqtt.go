package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics tracks the state publisher's broker connection and traffic.
type MQTTMetrics struct {
	Connected     prometheus.Gauge
	LastConnected prometheus.Gauge
	Reconnects    prometheus.Counter
	Delivered     prometheus.Counter
	Failures      prometheus.Counter
	Published     *prometheus.CounterVec
	PayloadBytes  prometheus.Histogram
	Latency       prometheus.Histogram
}

// NewMQTTMetrics creates the collectors and registers them with registry.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callaudio_mqtt_connected",
			Help: "1 while connected to the MQTT broker",
		}),
		LastConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callaudio_mqtt_last_connected_timestamp_seconds",
			Help: "Unix time of the last successful broker connection",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callaudio_mqtt_reconnects_total",
			Help: "Broker reconnection attempts",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callaudio_mqtt_delivered_total",
			Help: "Messages acknowledged by the broker",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callaudio_mqtt_publish_failures_total",
			Help: "Publishes that timed out or were refused",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callaudio_mqtt_published_total",
			Help: "Messages handed to the broker, by topic suffix",
		}, []string{"topic"}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callaudio_mqtt_payload_bytes",
			Help:    "Size of published payloads",
			Buckets: prometheus.ExponentialBuckets(bucketStart64B, bucketDouble, bucketCount10),
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callaudio_mqtt_publish_seconds",
			Help:    "Time from publish to broker acknowledgement",
			Buckets: prometheus.ExponentialBuckets(bucketStart1ms, bucketDouble, bucketCount10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register mqtt metrics: %w", err)
	}
	return m, nil
}

func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if !connected {
		m.Connected.Set(0)
		return
	}
	m.Connected.Set(1)
	m.LastConnected.SetToCurrentTime()
}

func (m *MQTTMetrics) IncrementMessagesDelivered()      { m.Delivered.Inc() }
func (m *MQTTMetrics) IncrementErrors()                 { m.Failures.Inc() }
func (m *MQTTMetrics) IncrementReconnectAttempts()      { m.Reconnects.Inc() }
func (m *MQTTMetrics) IncrementPublished(suffix string) { m.Published.WithLabelValues(suffix).Inc() }
func (m *MQTTMetrics) ObserveMessageSize(n float64)     { m.PayloadBytes.Observe(n) }

// StartPublishTimer measures one publish; call ObserveDuration on the ack.
func (m *MQTTMetrics) StartPublishTimer() *PublishTimer {
	return &PublishTimer{start: time.Now(), hist: m.Latency}
}

// PublishTimer measures a single publish.
type PublishTimer struct {
	start time.Time
	hist  prometheus.Histogram
}

func (pt *PublishTimer) ObserveDuration() {
	pt.hist.Observe(time.Since(pt.start).Seconds())
}

func (m *MQTTMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Connected, m.LastConnected, m.Reconnects, m.Delivered,
		m.Failures, m.Published, m.PayloadBytes, m.Latency,
	}
}

// Describe implements prometheus.Collector.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
