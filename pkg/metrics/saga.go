package metrics

import "github.com/prometheus/client_golang/prometheus"

// SagaMetrics counts shadow saga transitions and comparison results. The saga
// never acts on what it observes, so these counters are its only output.
type SagaMetrics struct {
	transitions *prometheus.CounterVec
	comparisons *prometheus.CounterVec
	timeouts    prometheus.Counter
}

// NewSagaMetrics registers the saga metrics on the provided registerer.
func NewSagaMetrics(reg prometheus.Registerer) *SagaMetrics {
	if reg == nil {
		return &SagaMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_transitions_total",
		Help: "Saga state transitions by resulting status.",
	}, []string{"status"})
	comparisons := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_comparisons_total",
		Help: "Saga comparison results once decided.",
	}, []string{"result"})
	timeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_timeouts_total",
		Help: "Sagas moved to timed-out by the sweeper.",
	})
	reg.MustRegister(transitions, comparisons, timeouts)
	return &SagaMetrics{transitions: transitions, comparisons: comparisons, timeouts: timeouts}
}

func (m *SagaMetrics) IncTransition(status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *SagaMetrics) IncComparison(result string) {
	if m == nil || m.comparisons == nil {
		return
	}
	m.comparisons.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *SagaMetrics) IncTimeout() {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Inc()
}
