package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors of the scheduler loops. Registered on the default
// registry and served by the debug listener.
var (
	JobsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_jobs_admitted_total",
		Help: "Queued jobs claimed into processing by the queue controller.",
	})
	SubmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_submit_failures_total",
		Help: "Batch submissions rejected by the executor; the job is rolled forward to failed.",
	})
	JobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_jobs_reaped_total",
		Help: "Processing jobs failed by the timeout reaper.",
	})
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_events_handled_total",
		Help: "Inbound events by type and outcome (applied, dropped, duplicate, error).",
	}, []string{"type", "outcome"})
	LoopErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scribe_loop_consecutive_errors",
		Help: "Consecutive failed iterations per scheduler loop; zero on success.",
	}, []string{"loop"})
	JobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scribe_jobs_by_status",
		Help: "Job records by status, as of the last reaper sweep.",
	}, []string{"status"})
)
