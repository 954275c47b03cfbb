package transport

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	state     *prometheus.GaugeVec
	connects  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	drops     *prometheus.CounterVec
	received  *prometheus.CounterVec
	sent      *prometheus.CounterVec
	discarded *prometheus.CounterVec
}

// NewMetrics registers transport collectors on reg. A nil reg leaves the
// collectors unregistered, which tests use to read values directly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaysync",
			Subsystem: "transport",
			Name:      "state",
			Help:      "Current connection state per endpoint (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}, []string{"endpoint"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "transport",
			Name:      "connects_total",
			Help:      "Successful connection handshakes.",
		}, []string{"endpoint"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "transport",
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts.",
		}, []string{"endpoint"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "transport",
			Name:      "drops_total",
			Help:      "Established connections lost without a local teardown.",
		}, []string{"endpoint"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "transport",
			Name:      "envelopes_received_total",
			Help:      "Envelopes dispatched to handlers.",
		}, []string{"endpoint", "type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "transport",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to the connection.",
		}, []string{"endpoint", "type"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaysync",
			Subsystem: "transport",
			Name:      "envelopes_discarded_total",
			Help:      "Inbound frames rejected or outbound sends skipped.",
		}, []string{"endpoint", "reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.connects, m.failures, m.drops, m.received, m.sent, m.discarded)
	}
	return m
}

func (m *Metrics) setState(endpoint string, s State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(endpoint).Set(float64(s))
}

func (m *Metrics) connected(endpoint string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) failed(endpoint string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) dropped(endpoint string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) receivedEnvelope(endpoint string, typ EnvelopeType) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(endpoint, string(typ)).Inc()
}

func (m *Metrics) sentEnvelope(endpoint string, typ EnvelopeType) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(endpoint, string(typ)).Inc()
}

func (m *Metrics) discard(endpoint, reason string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(endpoint, reason).Inc()
}
