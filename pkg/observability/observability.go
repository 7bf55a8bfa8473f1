package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcode_jobs_created_total",
		Help: "The total number of transcode jobs created",
	})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcode_job_transitions_total",
		Help: "Job state transitions applied through the store",
	}, []string{"from", "to"})

	TasksHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcode_tasks_handled_total",
		Help: "Queue tasks handled by the worker pool",
	}, []string{"action", "outcome"}) // outcome: advanced, retried, dropped, failed

	ExternalCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transcode_external_call_duration_seconds",
		Help:    "Duration of calls to the transcoding service and object store.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"op"})

	ReconcilerSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcode_reconciler_sweeps_total",
		Help: "The total number of reconciler sweeps executed",
	})

	ReconcilerStuckJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcode_reconciler_stuck_jobs_total",
		Help: "Stuck jobs picked up by the reconciler",
	}, []string{"state"})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
