package syncsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// submissionsTotal counts submissions by outcome: applied, stale, rate_limited, invalid, malformed, error.
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_submissions_total",
		Help: "Delta submissions by outcome",
	}, []string{"outcome"})

	// changesAppliedTotal counts cell changes written to the canonical store.
	changesAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_changes_applied_total",
		Help: "Cell changes applied to the canonical field",
	})

	// conflictsTotal counts detected conflicts by resolution.
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_conflicts_total",
		Help: "Conflicts detected during ingestion by resolution",
	}, []string{"resolution"})

	// ingestDuration tracks end-to-end ingestion latency.
	ingestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldsync_ingest_duration_seconds",
		Help:    "Delta ingestion duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	}, []string{"ordering"})

	// deltaSize tracks changes per submitted delta.
	deltaSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_delta_changes",
		Help:    "Number of changes per submitted delta",
		Buckets: []float64{1, 2, 5, 10, 50, 100, 500, 1000},
	})
)
