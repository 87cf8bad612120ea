package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncline"

// Drop reasons for queued requests.
const (
	DropRetriesExhausted = "retries_exhausted"
	DropPermanent        = "permanent"
)

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth    prometheus.Gauge
	queueEnqueued prometheus.Counter
	queueEvicted  prometheus.Counter
	queueReplayed prometheus.Counter
	queueDropped  *prometheus.CounterVec

	renewals *prometheus.CounterVec

	connState         prometheus.Gauge
	reconnectAttempts prometheus.Counter
	framesReceived    prometheus.Counter
	connectionLost    prometheus.Counter

	online prometheus.Gauge
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Number of requests waiting in the offline queue.",
		}),
		queueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Requests deferred into the offline queue.",
		}),
		queueEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "evicted_total",
			Help: "Requests evicted to make room at capacity.",
		}),
		queueReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "replayed_total",
			Help: "Queued requests replayed successfully.",
		}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "dropped_total",
			Help: "Queued requests dropped after failed replays.",
		}, []string{"reason"}),

		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credentials", Name: "renewals_total",
			Help: "Credential renewal round-trips by result.",
		}, []string{"result"}),

		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "state",
			Help: "Realtime connection state (0 disconnected, 1 connecting, 2 open, 3 reconnecting).",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "reconnect_attempts_total",
			Help: "Scheduled realtime reconnect attempts.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "frames_received_total",
			Help: "Realtime frames received and dispatched.",
		}),
		connectionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "connection_lost_total",
			Help: "Times reconnection gave up after the attempt cap.",
		}),

		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connectivity", Name: "online",
			Help: "1 when the connectivity monitor reports online.",
		}),
	}

	m.registry.MustRegister(
		m.queueDepth, m.queueEnqueued, m.queueEvicted, m.queueReplayed, m.queueDropped,
		m.renewals,
		m.connState, m.reconnectAttempts, m.framesReceived, m.connectionLost,
		m.online,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueEnqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}

func (m *Metrics) QueueEvicted() {
	if m == nil {
		return
	}
	m.queueEvicted.Inc()
}

func (m *Metrics) QueueReplayed() {
	if m == nil {
		return
	}
	m.queueReplayed.Inc()
}

func (m *Metrics) QueueDropped(reason string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Renewal(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connState.Set(float64(state))
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) ConnectionLost() {
	if m == nil {
		return
	}
	m.connectionLost.Inc()
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.Set(v)
}
