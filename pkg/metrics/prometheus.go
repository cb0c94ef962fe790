package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal          *prometheus.CounterVec
	callTransitions     *prometheus.CounterVec
	callsActive         prometheus.Gauge
	callsDuration       *prometheus.HistogramVec
	callTimeoutsTotal   *prometheus.CounterVec
	signalsRelayedTotal *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec

	// Redis Metrics
	redisDegradedMode prometheus.Gauge
	redisHealthChecks prometheus.Counter
}

// NewMetrics creates all metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket events",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls initiated",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		callTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Call phase transitions by action and outcome",
				ConstLabels: labels,
			},
			[]string{"action", "outcome"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls in a non-terminal phase",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Time from creation to terminal phase",
				ConstLabels: labels,
				Buckets:     []float64{5, 10, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"type", "phase"},
		),
		callTimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_timeouts_total",
				Help:        "Ring timeouts by result (missed or superseded)",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		signalsRelayedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "webrtc_signals_total",
				Help:        "WebRTC signals by type and relay outcome",
				ConstLabels: labels,
			},
			[]string{"type", "outcome"},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		pushNotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		redisDegradedMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of successful Redis health checks",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry returns the registry the metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket event; direction is "in" or "out"
func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(reason string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordCall records a newly initiated call
func (m *Metrics) RecordCall(callType string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType).Inc()
	m.callsActive.Inc()
}

// RecordTransition records the outcome of a call action ("applied" or an error code)
func (m *Metrics) RecordTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(action, outcome).Inc()
}

// RecordCallFinished records a call entering a terminal phase
func (m *Metrics) RecordCallFinished(callType, phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsDuration.WithLabelValues(callType, phase).Observe(duration.Seconds())
}

// RecordTimeout records a ring timeout firing
func (m *Metrics) RecordTimeout(result string) {
	if m == nil {
		return
	}
	m.callTimeoutsTotal.WithLabelValues(result).Inc()
}

// RecordSignal records a relay attempt
func (m *Metrics) RecordSignal(signalType, outcome string) {
	if m == nil {
		return
	}
	m.signalsRelayedTotal.WithLabelValues(signalType, outcome).Inc()
}

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(notifType).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType string) {
	if m == nil {
		return
	}
	m.pushNotificationsFailed.WithLabelValues(notifType).Inc()
}

// SetRedisDegraded records whether Redis is in degraded mode
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegradedMode.Set(1)
		return
	}
	m.redisDegradedMode.Set(0)
}

// RecordRedisHealthCheck records a successful Redis health check
func (m *Metrics) RecordRedisHealthCheck() {
	if m == nil {
		return
	}
	m.redisHealthChecks.Inc()
}
