// Package metrics exposes Prometheus instrumentation for the analysis and
// calibration flows.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morphgate_analyses_total",
			Help: "Analyses by terminal status and risk tier",
		},
		[]string{"status", "risk"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "morphgate_analysis_duration_seconds",
			Help:    "End-to-end analysis duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	ScoreDistribution = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "morphgate_raw_score",
			Help:    "Raw model scores observed on successful analyses",
			Buckets: prometheus.LinearBuckets(-10, 1, 21),
		},
	)

	CalibrationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morphgate_calibration_runs_total",
			Help: "Calibration runs by outcome",
		},
		[]string{"status"},
	)

	CalibrationFailedSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "morphgate_calibration_failed_samples_total",
			Help: "Reference samples that failed to score across all runs",
		},
	)

	ActiveThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morphgate_active_threshold",
			Help: "Decision threshold currently applied by the classifier",
		},
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morphgate_connection_state",
			Help: "Model service reachability (0 checking, 1 connected, 2 disconnected)",
		},
	)
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
