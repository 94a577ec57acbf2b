// Package metrics provides HTTP handler metrics for observability
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tphakala/callaudio/internal/logger"
)

// HTTPMetrics contains Prometheus metrics for the control API
type HTTPMetrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestErrors   *prometheus.CounterVec
	httpResponseSize    *prometheus.HistogramVec

	// Websocket state stream
	wsActiveConnections prometheus.Gauge
	wsTotalConnections  *prometheus.CounterVec
	wsConnectionTime    *prometheus.HistogramVec
	wsMessagesSent      *prometheus.CounterVec
}

// NewHTTPMetrics creates and registers new HTTP handler metrics
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time taken for HTTP requests",
			Buckets: prometheus.ExponentialBuckets(bucketStart1ms, bucketDouble, bucketCount12),
		},
		[]string{"method", "path"},
	)

	m.httpRequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_errors_total",
			Help: "Total number of HTTP request errors",
		},
		[]string{"method", "path", "error_type"}, // error_type: validation, rate_limit, system
	)

	m.httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes",
			Buckets: prometheus.ExponentialBuckets(bucketStart100B, bucketDecade, bucketCount6),
		},
		[]string{"method", "path"},
	)

	m.wsActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Number of open state stream connections",
	})

	m.wsTotalConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "State stream connections by lifecycle event",
		},
		[]string{"endpoint", "event"}, // event: established, closed, canceled, error
	)

	m.wsConnectionTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "How long state stream connections stay open",
			Buckets: prometheus.ExponentialBuckets(1, bucketDouble, bucketCount12),
		},
		[]string{"endpoint"},
	)

	m.wsMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Messages written to state stream connections",
		},
		[]string{"endpoint", "message_type"},
	)
}

func (m *HTTPMetrics) getCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestErrors,
		m.httpResponseSize,
		m.wsActiveConnections,
		m.wsTotalConnections,
		m.wsConnectionTime,
		m.wsMessagesSent,
	}
}

// Describe implements the Collector interface
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.getCollectors() {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.getCollectors() {
		collector.Collect(ch)
	}
}

// RecordHTTPRequest records an HTTP request
func (m *HTTPMetrics) RecordHTTPRequest(method, path string, statusCode int, duration float64) {
	m.httpRequestsTotal.WithLabelValues(method, path, fmt.Sprintf("%d", statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordHTTPRequestError records an HTTP request error
func (m *HTTPMetrics) RecordHTTPRequestError(method, path, errorType string) {
	m.httpRequestErrors.WithLabelValues(method, path, errorType).Inc()
}

// RecordHTTPResponseSize records the size of an HTTP response
func (m *HTTPMetrics) RecordHTTPResponseSize(method, path string, sizeBytes int64) {
	m.httpResponseSize.WithLabelValues(method, path).Observe(float64(sizeBytes))
}

// WebsocketConnectionStarted increments active and total connections
func (m *HTTPMetrics) WebsocketConnectionStarted(endpoint string) {
	m.wsActiveConnections.Inc()
	m.wsTotalConnections.WithLabelValues(endpoint, "established").Inc()
}

// WebsocketConnectionClosed decrements active connections and records how
// long the connection was open. Reason must be one of the CloseReason
// constants.
func (m *HTTPMetrics) WebsocketConnectionClosed(endpoint string, duration float64, reason string) {
	switch reason {
	case CloseReasonClosed, CloseReasonCanceled, CloseReasonError:
	default:
		reason = CloseReasonError
	}

	m.wsActiveConnections.Dec()
	m.wsTotalConnections.WithLabelValues(endpoint, reason).Inc()
	m.wsConnectionTime.WithLabelValues(endpoint).Observe(duration)
}

// RecordWebsocketMessage records a message written to a stream connection
func (m *HTTPMetrics) RecordWebsocketMessage(endpoint, messageType string) {
	m.wsMessagesSent.WithLabelValues(endpoint, messageType).Inc()
}

// ActiveWebsocketConnections returns the current number of open streams
func (m *HTTPMetrics) ActiveWebsocketConnections() float64 {
	metric := &dto.Metric{}
	if err := m.wsActiveConnections.Write(metric); err != nil {
		log.Warn("Failed to write websocket active connections metric", logger.Error(err))
		return 0
	}
	if metric.Gauge != nil && metric.Gauge.Value != nil {
		return *metric.Gauge.Value
	}
	return 0
}
