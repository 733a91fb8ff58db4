package resilience

import "github.com/prometheus/client_golang/prometheus"

// metricsRegistry is a package-private registry holding the
// resilience-layer Prometheus collectors; no cmd/* entrypoint gathers or
// exposes it.
var metricsRegistry = prometheus.NewRegistry()

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditflow",
			Subsystem: "circuit_breaker",
			Name:      "calls_total",
			Help:      "Total provider calls observed per (country, provider, outcome).",
		},
		[]string{"country", "provider", "outcome"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "creditflow",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current circuit breaker state per (country, provider): 0=closed, 1=half_open, 2=open.",
		},
		[]string{"country", "provider"},
	)
)

func init() {
	metricsRegistry.MustRegister(callsTotal, breakerState)
}

// outcome is one of "success", "failure", "timeout", "rejected" (§4.5:
// counters for success, failure, timeout; gauge for current state).
func observeCall(country, providerName, outcome string) {
	callsTotal.WithLabelValues(country, providerName, outcome).Inc()
}

func observeStateChange(country, providerName string, to State) {
	breakerState.WithLabelValues(country, providerName).Set(float64(to))
}
