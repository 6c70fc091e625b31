package goswcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes recorded by Metrics.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeNetwork     = "network"
	OutcomeFallback    = "fallback"
	OutcomeRevalidated = "revalidated"
	OutcomeError       = "error"
	OutcomeBypass      = "bypass"
)

// Metrics exports cache activity to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	evictions *prometheus.CounterVec
	state     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "requests_total",
			Help:      "Intercepted requests by strategy, partition and outcome.",
		}, []string{"strategy", "partition", "outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "evictions_total",
			Help:      "Cache items removed by the expiration policy.",
		}, []string{"partition", "reason"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swcache",
			Name:      "lifecycle_state",
			Help:      "Lifecycle state of the newest version (0 installing, 1 installed, 2 activating, 3 activated, 4 redundant).",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.evictions, m.state)
	}

	return m
}

func (m *Metrics) request(strategy Strategy, partition, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy.String(), partition, outcome).Inc()
}

func (m *Metrics) eviction(partition, reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(partition, reason).Inc()
}

func (m *Metrics) lifecycle(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
