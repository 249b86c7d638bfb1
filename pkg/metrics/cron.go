package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cron results and skip reasons.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	SkipLockHeld = "lock_held"
	SkipOverlap  = "overlap"
)

// CronJobMetrics records scheduled job runs per scheduler.
type CronJobMetrics struct {
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
	skipped  *prometheus.CounterVec
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cron_job_duration_seconds",
		Help:    "Duration of scheduled jobs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"scheduler", "job"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cron_job_runs_total",
		Help: "Scheduled job runs by result.",
	}, []string{"scheduler", "job", "result"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cron_cycles_skipped_total",
		Help: "Scheduler cycles that did not run any job.",
	}, []string{"scheduler", "reason"})
	reg.MustRegister(duration, runs, skipped)
	return &CronJobMetrics{duration: duration, runs: runs, skipped: skipped}
}

// ObserveRun records one job execution; a nil err counts as success.
func (c *CronJobMetrics) ObserveRun(scheduler, job string, duration time.Duration, err error) {
	if c == nil || c.runs == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	c.duration.WithLabelValues(normalizeLabel(scheduler), normalizeLabel(job)).Observe(duration.Seconds())
	c.runs.WithLabelValues(normalizeLabel(scheduler), normalizeLabel(job), result).Inc()
}

func (c *CronJobMetrics) IncSkipped(scheduler, reason string) {
	if c == nil || c.skipped == nil {
		return
	}
	c.skipped.WithLabelValues(normalizeLabel(scheduler), normalizeLabel(reason)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
