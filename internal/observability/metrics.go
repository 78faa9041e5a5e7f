package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audio"

// Metrics holds the client's collectors. A nil *Metrics records nothing,
// so callers never need to check whether metrics are enabled.
type Metrics struct {
	requests        *prometheus.CounterVec
	replies         *prometheus.CounterVec
	replyLatency    *prometheus.HistogramVec
	pending         prometheus.Gauge
	events          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	sinkChanges     *prometheus.CounterVec
	refreshFailures prometheus.Counter
	connects        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics registers every collector with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Requests sent to the server.",
		}, []string{"command"}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "replies_total",
			Help:      "Requests settled, by outcome.",
		}, []string{"command", "outcome"}),
		replyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reply_duration_seconds",
			Help:      "Time from send to settle.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"command"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "subscription_events_total",
			Help:      "Subscription events received.",
		}, []string{"facility", "type"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a subscriber was full.",
		}, []string{"kind"}),
		sinkChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sinks",
			Name:      "field_changes_total",
			Help:      "Sink projection fields that changed on refresh.",
		}, []string{"field"}),
		refreshFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sinks",
			Name:      "refresh_failures_total",
			Help:      "Debounced sink refetches that failed.",
		}),
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts, by outcome.",
		}, []string{"outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) RequestSent(command string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command).Inc()
	m.pending.Inc()
}

func (m *Metrics) RequestSettled(command, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(command, outcome).Inc()
	m.replyLatency.WithLabelValues(command).Observe(took.Seconds())
	m.pending.Dec()
}

func (m *Metrics) SubscriptionEvent(facility, eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(facility, eventType).Inc()
}

func (m *Metrics) NotificationDropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) SinkFieldChanged(field string) {
	if m == nil {
		return
	}
	m.sinkChanges.WithLabelValues(field).Inc()
}

func (m *Metrics) SinkRefreshFailed() {
	if m == nil {
		return
	}
	m.refreshFailures.Inc()
}

func (m *Metrics) ConnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, path, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path, status).Observe(took.Seconds())
}
