// Package metrics provides Prometheus metrics for the transfer pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Watcher metrics
	scanCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasferry_scan_cycles_total",
			Help: "Completed scan cycles over the mount",
		},
		[]string{"kind"}, // incremental, full
	)

	scanCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nasferry_scan_cycle_duration_seconds",
			Help:    "Duration of a scan cycle over the mount",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	filesDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasferry_files_discovered_total",
			Help: "Candidate files discovered by the watcher",
		},
	)

	filesDeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasferry_files_deferred_total",
			Help: "Files deferred because they had not quiesced yet",
		},
	)

	filesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasferry_files_skipped_total",
			Help: "Files skipped during scanning",
		},
		[]string{"reason"}, // checkpointed, unreadable, dedup
	)

	// Broker metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasferry_events_published_total",
			Help: "Transfer events published to the broker",
		},
		[]string{"status"},
	)

	eventsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasferry_events_consumed_total",
			Help: "Transfer events handled by the consumer",
		},
		[]string{"outcome"}, // committed, retried, deadlettered, stale, duplicate
	)

	deadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasferry_dead_letters_total",
			Help: "Events that exceeded their retry budget",
		},
	)

	consumerLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nasferry_consumer_lag_events",
			Help: "Events published but not yet committed",
		},
	)

	// Uploader metrics
	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasferry_upload_bytes_total",
			Help: "Total bytes uploaded to the object store",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasferry_uploads_total",
			Help: "Upload operations by status",
		},
		[]string{"status"}, // success, noop, error
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nasferry_upload_duration_seconds",
			Help:    "Whole-file upload duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nasferry_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasferry_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Checkpoint metrics
	checkpointWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasferry_checkpoint_writes_total",
			Help: "Checkpoint entry upserts",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordScanCycle records a completed scan cycle.
func RecordScanCycle(full bool, duration time.Duration) {
	kind := "incremental"
	if full {
		kind = "full"
	}
	scanCyclesTotal.WithLabelValues(kind).Inc()
	scanCycleDuration.Observe(duration.Seconds())
}

// RecordFileDiscovered records a candidate file emitted by the watcher.
func RecordFileDiscovered() {
	filesDiscoveredTotal.Inc()
}

// RecordFileDeferred records a file deferred for quiescence.
func RecordFileDeferred() {
	filesDeferredTotal.Inc()
}

// RecordFileSkipped records a skipped file with its reason.
func RecordFileSkipped(reason string) {
	filesSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordPublish records a broker publish attempt.
func RecordPublish(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	eventsPublishedTotal.WithLabelValues(status).Inc()
}

// RecordConsume records the outcome of handling one event.
func RecordConsume(outcome string) {
	eventsConsumedTotal.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter records an event that exceeded its retry budget.
func RecordDeadLetter() {
	deadLettersTotal.Inc()
}

// SetConsumerLag sets the current published-but-uncommitted event count.
func SetConsumerLag(lag int64) {
	consumerLag.Set(float64(lag))
}

// RecordUpload records a whole-file upload result.
func RecordUpload(bytes int64, duration time.Duration, status string) {
	uploadBytesTotal.Add(float64(bytes))
	uploadDuration.Observe(duration.Seconds())
	uploadsTotal.WithLabelValues(status).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordCheckpointWrite records a checkpoint upsert.
func RecordCheckpointWrite(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	checkpointWritesTotal.WithLabelValues(status).Inc()
}
