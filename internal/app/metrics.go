package app

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts applied actions and failed side effects. A nil *Metrics
// records nothing.
type Metrics struct {
	actions     *prometheus.CounterVec
	sideEffects *prometheus.CounterVec
	rateLimited prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanops",
			Subsystem: "actions",
			Name:      "applied_total",
			Help:      "Actions applied to sub-queries.",
		}, []string{"action", "mode"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanops",
			Subsystem: "actions",
			Name:      "side_effect_failures_total",
			Help:      "Best-effort follow-ups that failed after a write.",
		}, []string{"effect"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanops",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client limiter.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.actions, m.sideEffects, m.rateLimited)
	}
	return m
}

func (m *Metrics) applied(action, mode string) {
	if m != nil {
		m.actions.WithLabelValues(action, mode).Inc()
	}
}

func (m *Metrics) failed(effect string) {
	if m != nil {
		m.sideEffects.WithLabelValues(effect).Inc()
	}
}

func (m *Metrics) limited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
