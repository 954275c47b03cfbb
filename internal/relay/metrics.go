package relay

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	requests    *prometheus.CounterVec
	connections prometheus.Gauge
	published   *prometheus.CounterVec
	evicted     prometheus.Counter
	rejected    *prometheus.CounterVec
}

// NewMetrics registers relay collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "REST requests by route and status code.",
		}, []string{"route", "code"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaysync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open push connections.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "relay",
			Name:      "envelopes_published_total",
			Help:      "Envelopes queued to push connections.",
		}, []string{"type"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "relay",
			Name:      "slow_clients_evicted_total",
			Help:      "Push connections closed because their send buffer was full.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "relay",
			Name:      "frames_rejected_total",
			Help:      "Inbound push frames dropped.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.connections, m.published, m.evicted, m.rejected)
	}
	return m
}

func (m *Metrics) request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusLabel(code)).Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) publishedEnvelope(typ string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.published.WithLabelValues(typ).Add(float64(n))
}

func (m *Metrics) evictedClient() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *Metrics) rejectedFrame(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
