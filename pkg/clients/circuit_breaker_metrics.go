package clients

import (
	"github.com/prometheus/client_golang/prometheus"

	"shadmission/pkg/monitoring"
)

// CircuitBreakerMetrics records breaker state on a service's registry
type CircuitBreakerMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewCircuitBreakerMetrics registers the breaker metric set on mc
func NewCircuitBreakerMetrics(mc *monitoring.MetricsCollector) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{
		// Values: 0=closed, 1=half-open, 2=open
		state: mc.NewGauge("circuit_breaker_state",
			"Current state of circuit breaker (0=closed, 1=half-open, 2=open)", []string{"name"}),
		transitions: mc.NewCounter("circuit_breaker_state_transitions_total",
			"Total number of circuit breaker state transitions", []string{"name", "from", "to"}),
	}
}

// OnStateChange is suitable for CircuitBreakerConfig.OnStateChange
func (m *CircuitBreakerMetrics) OnStateChange(name string, from, to CircuitBreakerState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(name, from.String(), to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}
