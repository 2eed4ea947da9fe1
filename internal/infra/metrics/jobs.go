package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsFinishedTotal, jobDurationSeconds, jobsCancelledQueued, leaseReapsTotal)
}

var jobsFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conversion_jobs_finished_total",
		Help: "Conversion jobs that reached a terminal state, labeled by status.",
	},
	[]string{"status"}, // 'completed', 'failed', 'cancelled'
)

var jobDurationSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "conversion_job_duration_seconds",
		Help:    "Wall-clock duration of one conversion attempt.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	},
)

var jobsCancelledQueued = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "conversion_jobs_cancelled_queued_total",
		Help: "Jobs cancelled while still queued, before any worker claimed them.",
	},
)

var leaseReapsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conversion_lease_reaps_total",
		Help: "Expired-lease recoveries, labeled by outcome (requeued/failed).",
	},
	[]string{"outcome"},
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncJobFinished(status string) {
	jobsFinishedTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveJobDuration(seconds float64) {
	jobDurationSeconds.Observe(seconds)
}

func IncCancelledQueued() { jobsCancelledQueued.Inc() }

func IncLeaseReap(outcome string) {
	leaseReapsTotal.WithLabelValues(norm(outcome)).Inc()
}
