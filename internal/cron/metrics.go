// Prometheus collectors for cron job instrumentation.
package cron

import "github.com/prometheus/client_golang/prometheus"

// newJobRunsCounter builds the per-job run counter. Outcome is one of
// "success", "error", or "panic"; cardinality stays bounded because both
// labels come from small fixed sets.
func newJobRunsCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cron_job_runs_total",
			Help: "Total number of cron job executions by job and outcome.",
		},
		[]string{"job", "outcome"},
	)
}

// newJobDurationHistogram builds the per-job duration histogram.
func newJobDurationHistogram() *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cron_job_duration_seconds",
			Help:    "Duration of cron job executions in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
}

func init() {
	prometheus.MustRegister(jobRuns, jobDuration)
}
