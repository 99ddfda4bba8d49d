package broadcast

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connections prometheus.Gauge
	deliveries  prometheus.Counter
	evictions   *prometheus.CounterVec
	suppressed  prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loanops",
			Subsystem: "broadcast",
			Name:      "connections",
			Help:      "Open SSE connections on this instance.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanops",
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Frames queued to connections.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanops",
			Subsystem: "broadcast",
			Name:      "evictions_total",
			Help:      "Connections removed by the registry.",
		}, []string{"reason"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanops",
			Subsystem: "broadcast",
			Name:      "suppressed_total",
			Help:      "Envelopes dropped as duplicates.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.connections, m.deliveries, m.evictions, m.suppressed)
	}
	return m
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *Metrics) delivered(n int) {
	if m != nil {
		m.deliveries.Add(float64(n))
	}
}

func (m *Metrics) evicted(reason string) {
	if m != nil {
		m.evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) suppress() {
	if m != nil {
		m.suppressed.Inc()
	}
}
