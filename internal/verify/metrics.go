package verify

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	validations *prometheus.CounterVec
	ledgerFetch prometheus.Histogram
}

// NewMetrics registers the validator's collectors with reg. A nil reg leaves
// them unregistered, which keeps tests independent of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2wdb",
			Name:      "validations_total",
			Help:      "Access gate decisions by result.",
		}, []string{"result"}),
		ledgerFetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "p2wdb",
			Name:      "ledger_fetch_seconds",
			Help:      "Latency of ledger transaction lookups, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.validations, m.ledgerFetch)
	}

	return m
}

func (m *Metrics) observeResult(result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeFetch(seconds float64) {
	if m == nil {
		return
	}
	m.ledgerFetch.Observe(seconds)
}
