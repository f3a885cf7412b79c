package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Condition report metrics
var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condition_report",
			Name:      "uploads_total",
			Help:      "Total image uploads",
		},
		[]string{"scope", "status"},
	)

	UploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condition_report",
			Name:      "upload_bytes_total",
			Help:      "Total normalized bytes uploaded",
		},
		[]string{"scope"},
	)

	UploadFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "condition_report",
			Name:      "upload_fallbacks_total",
			Help:      "Uploads that fell back to a signed URL",
		},
	)

	NormalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "condition_report",
			Name:      "normalize_duration_seconds",
			Help:      "Image normalization duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	DeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condition_report",
			Name:      "deletions_total",
			Help:      "Total best-effort deletions",
		},
		[]string{"kind", "status"},
	)

	RehydrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "condition_report",
			Name:      "rehydrations_total",
			Help:      "Total rehydration runs",
		},
		[]string{"status"},
	)

	PreloadFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "condition_report",
			Name:      "preload_failures_total",
			Help:      "Signed URL preloads that failed; the old URL was kept",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordUpload records an upload attempt
func RecordUpload(scope, status string, bytes int64) {
	UploadsTotal.WithLabelValues(scope, status).Inc()
	if status == "success" {
		UploadBytesTotal.WithLabelValues(scope).Add(float64(bytes))
	}
}

// RecordNormalize records normalization time
func RecordNormalize(durationSec float64) {
	NormalizeDuration.Observe(durationSec)
}

// RecordDeletion records a best-effort deletion
func RecordDeletion(kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DeletionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordRehydration records a rehydration run
func RecordRehydration(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RehydrationsTotal.WithLabelValues(status).Inc()
}
