// Package metrics provides Prometheus metrics for the preview pipeline,
// the upload API and the worker.
//
// Labels are kept to bounded sets (outcome, kind, status); never label by
// job or video id.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRunsTotal counts pipeline invocations by outcome and error kind.
	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "preview_pipeline_runs_total",
		Help: "Total number of preview pipeline runs, by outcome (success/failure) and error kind.",
	}, []string{"outcome", "kind"})

	// PipelineDuration observes wall-clock time per pipeline run.
	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "preview_pipeline_duration_seconds",
		Help:    "Wall-clock duration of preview pipeline runs, by outcome.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"outcome"})

	// PipelinesInFlight tracks concurrently running pipelines.
	PipelinesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "preview_pipelines_in_flight",
		Help: "Number of preview pipeline runs currently executing.",
	})

	// JobsTotal counts job status transitions.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "preview_jobs_total",
		Help: "Total number of job status transitions, by status.",
	}, []string{"status"})

	// UploadsTotal counts upload requests by result.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "preview_uploads_total",
		Help: "Total number of upload requests, by result (accepted/rejected/error).",
	}, []string{"result"})

	// UploadBytes observes accepted upload sizes.
	UploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "preview_upload_bytes",
		Help:    "Size of accepted uploads in bytes.",
		Buckets: prometheus.ExponentialBuckets(1<<20, 2, 8),
	})
)

// ObservePipeline records one finished pipeline run. kind is empty on success.
func ObservePipeline(start time.Time, kind string) {
	outcome := "success"
	if kind != "" {
		outcome = "failure"
	}
	PipelineRunsTotal.WithLabelValues(outcome, kind).Inc()
	PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// IncJob records a job status transition.
func IncJob(status string) {
	JobsTotal.WithLabelValues(status).Inc()
}

// IncUpload records the result of an upload request.
func IncUpload(result string) {
	UploadsTotal.WithLabelValues(result).Inc()
}
