// Package metrics exposes the service's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts accepted meeting uploads by media kind.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetscribe_uploads_total",
		Help: "Accepted meeting uploads.",
	}, []string{"kind"})

	// PipelineRuns counts finished pipeline runs by terminal status.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetscribe_pipeline_runs_total",
		Help: "Finished processing runs by terminal status.",
	}, []string{"status"})

	// StepDuration observes wall time per pipeline step.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meetscribe_pipeline_step_seconds",
		Help:    "Duration of individual pipeline steps.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"step"})
)
