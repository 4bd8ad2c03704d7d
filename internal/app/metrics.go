package app

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus registry and implements the realtime gateway's
// observation hook.
type Metrics struct {
	reg *prometheus.Registry

	wsConnections prometheus.Gauge
	wsConnects    prometheus.Counter

	messagesPersisted prometheus.Counter
	broadcastDropped  prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration prometheus.Histogram
}

// NewMetrics builds an isolated registry with process/runtime collectors plus
// the chat-specific series.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "courtside",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently authenticated WebSocket connections.",
		}),
		wsConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courtside",
			Subsystem: "ws",
			Name:      "connects_total",
			Help:      "Completed WebSocket handshakes since start.",
		}),
		messagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courtside",
			Subsystem: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages accepted into the conversation store.",
		}),
		broadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courtside",
			Subsystem: "chat",
			Name:      "broadcast_dropped_total",
			Help:      "Envelopes dropped because a receiver's send queue was full.",
		}),
		// Method and status code only: route templates would need chi
		// introspection and raw paths would blow up cardinality.
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courtside",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courtside",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method string, status int, seconds float64) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.Observe(seconds)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	m.wsConnects.Inc()
	m.wsConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	m.wsConnections.Dec()
}

func (m *Metrics) MessagePersisted() {
	m.messagesPersisted.Inc()
}

func (m *Metrics) BroadcastDropped(n int) {
	m.broadcastDropped.Add(float64(n))
}
