// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SegmentsFetched   prometheus.Counter
	SegmentsMuted     prometheus.Counter
	SegmentsCorrupt   prometheus.Counter
	SegmentsMissing   prometheus.Counter
	AcquisitionsDone  prometheus.Counter
	AcquisitionsError prometheus.Counter
	MergesDone        prometheus.Counter
	MergesError       prometheus.Counter
	UploadsSucceeded  prometheus.Counter
	UploadsFailed     prometheus.Counter
	ProcessingCycles  prometheus.Counter

	// Histograms (seconds)
	AcquisitionDuration  prometheus.Observer
	MergeDuration        prometheus.Observer
	TotalProcessDuration prometheus.Observer

	// Gauges
	QueueDepthGauge   prometheus.Gauge
	LiveCapturesGauge prometheus.Gauge
	HeldLocksGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SegmentsFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_segments_fetched_total", Help: "Segments fetched and accepted"})
		SegmentsMuted = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_segments_muted_total", Help: "Segments accepted despite failed validation (muted or source-side corruption)"})
		SegmentsCorrupt = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_segments_corrupt_total", Help: "Segments confirmed corrupt after all repair attempts"})
		SegmentsMissing = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_segments_missing_total", Help: "Segments permanently missing from the delivery edge"})
		AcquisitionsDone = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_acquisitions_total", Help: "Target acquisitions completed"})
		AcquisitionsError = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_acquisitions_failed_total", Help: "Target acquisitions failed"})
		MergesDone = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_merges_total", Help: "Artifacts merged and verified"})
		MergesError = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_merges_failed_total", Help: "Merge or verification failures"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_uploads_succeeded_total", Help: "Completed archive uploads"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_uploads_failed_total", Help: "Failed archive uploads"})
		ProcessingCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_processing_cycles_total", Help: "Processing cycles (processOnce invocations)"})
		AcquisitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_acquisition_duration_seconds", Help: "Segment acquisition duration seconds", Buckets: []float64{60, 300, 600, 1800, 3600, 7200}})
		MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_merge_duration_seconds", Help: "Merge and verification duration seconds", Buckets: []float64{30, 60, 120, 300, 600, 1800}})
		TotalProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_processing_total_duration_seconds", Help: "Total per-target processing duration seconds", Buckets: []float64{60, 300, 900, 1800, 3600, 7200}})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_queue_depth", Help: "Current number of unprocessed targets"})
		LiveCapturesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_live_captures", Help: "Live captures currently running"})
		HeldLocksGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_held_locks", Help: "Ownership claims currently held"})
	})
}

// SetQueueDepth records the current unprocessed target count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// LiveCaptureStarted / LiveCaptureEnded track the running capture count.
func LiveCaptureStarted() {
	if LiveCapturesGauge != nil {
		LiveCapturesGauge.Inc()
	}
}

func LiveCaptureEnded() {
	if LiveCapturesGauge != nil {
		LiveCapturesGauge.Dec()
	}
}

// SetHeldLocks records how many ownership claims are held.
func SetHeldLocks(n int) {
	if HeldLocksGauge != nil {
		HeldLocksGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or an empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
