// Package metrics defines the engine's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PagesOCRed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epub_ocr",
		Name:      "pages_total",
		Help:      "Pages processed by the OCR pipeline, labeled by outcome.",
	}, []string{"outcome"})

	OCRAttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "epub_ocr",
		Name:      "ocr_attempt_duration_seconds",
		Help:      "Latency of a single OCR HTTP attempt, labeled by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"outcome"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epub_ocr",
		Name:      "render_queue_depth",
		Help:      "Current number of rendered-but-not-yet-OCR'd pages buffered per job.",
	}, []string{"job_id"})

	EventSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epub_ocr",
		Name:      "event_subscribers",
		Help:      "Current number of live SSE subscribers per job.",
	}, []string{"job_id"})

	JobsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epub_ocr",
		Name:      "jobs_active",
		Help:      "Current number of jobs in each status.",
	}, []string{"status"})
)

// Registry is a dedicated Prometheus registry carrying only this
// package's collectors, so embedding the engine in another process
// never collides with its default registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(PagesOCRed, OCRAttemptDuration, QueueDepth, EventSubscribers, JobsActive)
}
