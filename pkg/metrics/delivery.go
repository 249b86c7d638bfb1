package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes recorded by consumers and the dead-letter policy.
const (
	OutcomeAcked     = "acked"
	OutcomeDuplicate = "duplicate"
	OutcomeNacked    = "nacked"
	OutcomeParked    = "parked"
	OutcomeRequeued  = "requeued"
	OutcomeSkipped   = "skipped"
)

// DeliveryMetrics records what happened to each broker delivery.
type DeliveryMetrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewDeliveryMetrics registers the delivery metrics on the provided registerer.
func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	if reg == nil {
		return &DeliveryMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_outcomes_total",
		Help: "Deliveries by queue and final broker outcome.",
	}, []string{"queue", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delivery_handle_duration_seconds",
		Help:    "Time spent handling a delivery.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	reg.MustRegister(outcomes, duration)
	return &DeliveryMetrics{outcomes: outcomes, duration: duration}
}

// IncOutcome counts one delivery for queue with the given outcome.
func (m *DeliveryMetrics) IncOutcome(queue, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(queue), normalizeLabel(outcome)).Inc()
}

func (m *DeliveryMetrics) ObserveDuration(queue string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(queue)).Observe(duration.Seconds())
}
