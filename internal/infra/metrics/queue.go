package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(queueDepth, submissionsTotal, notificationsAppended)
}

var queueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "conversion_queue_depth",
		Help: "Jobs admitted and waiting for a worker.",
	},
)

var submissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conversion_submissions_total",
		Help: "Submission attempts by outcome (accepted/duplicate/limit/invalid).",
	},
	[]string{"outcome"},
)

var notificationsAppended = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conversion_notifications_appended_total",
		Help: "Notifications written on terminal transitions, by type.",
	},
	[]string{"type"},
)

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func IncSubmission(outcome string) { submissionsTotal.WithLabelValues(norm(outcome)).Inc() }

func IncNotification(kind string) { notificationsAppended.WithLabelValues(norm(kind)).Inc() }
