package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks the outbox publisher's row bookkeeping.
type OutboxMetrics struct {
	published *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	failed    *prometheus.CounterVec
	tick      prometheus.Histogram
	skipped   prometheus.Counter
}

// NewOutboxMetrics registers the outbox metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox rows confirmed by the transport.",
	}, []string{"event_type"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Publish attempts that failed and were recorded on the row.",
	}, []string{"event_type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Outbox rows that exhausted their attempts.",
	}, []string{"event_type"})
	tick := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_tick_duration_seconds",
		Help:    "Duration of one outbox publisher tick.",
		Buckets: prometheus.DefBuckets,
	})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_ticks_skipped_total",
		Help: "Ticks skipped because the previous tick was still running.",
	})
	reg.MustRegister(published, attempts, failed, tick, skipped)
	return &OutboxMetrics{
		published: published,
		attempts:  attempts,
		failed:    failed,
		tick:      tick,
		skipped:   skipped,
	}
}

func (m *OutboxMetrics) IncPublished(eventType string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *OutboxMetrics) IncAttemptFailure(eventType string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *OutboxMetrics) IncFailed(eventType string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *OutboxMetrics) ObserveTick(duration time.Duration) {
	if m == nil || m.tick == nil {
		return
	}
	m.tick.Observe(duration.Seconds())
}

func (m *OutboxMetrics) IncSkippedTick() {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.Inc()
}
