package recorder

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the capture engine
type Metrics struct {
	// Counters
	CapturedTotal prometheus.CounterVec
	DroppedTotal  prometheus.CounterVec
	BytesTotal    prometheus.CounterVec
	ErrorsTotal   prometheus.CounterVec

	// Gauges
	RecordingActive prometheus.Gauge
	QuotaUsedBytes  prometheus.Gauge
	WorkerConnected prometheus.Gauge
	QueueDepth      prometheus.GaugeVec

	// Histograms
	EncodeDuration prometheus.Histogram

	mu sync.Mutex
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CapturedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fieldtape_captured_total",
					Help: "Total samples captured per stream",
				},
				[]string{"stream"},
			),
			DroppedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fieldtape_dropped_total",
					Help: "Total samples dropped per stream",
				},
				[]string{"stream", "reason"},
			),
			BytesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fieldtape_bytes_written_total",
					Help: "Total bytes written per stream",
				},
				[]string{"stream"},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fieldtape_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			RecordingActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "fieldtape_recording_active",
					Help: "Whether a session is currently recording",
				},
			),
			QuotaUsedBytes: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "fieldtape_quota_used_bytes",
					Help: "Bytes counted against the storage quota",
				},
			),
			WorkerConnected: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "fieldtape_input_worker_connected",
					Help: "Whether the input hook worker is connected",
				},
			),
			QueueDepth: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "fieldtape_queue_depth",
					Help: "Current depth of capture queues",
				},
				[]string{"stream"},
			),
			EncodeDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "fieldtape_frame_encode_duration_seconds",
					Help:    "Per-frame encode duration",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordCaptured adds captured samples for a stream
func (m *Metrics) RecordCaptured(stream string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.CapturedTotal.WithLabelValues(stream).Add(float64(n))
}

// RecordDropped adds dropped samples for a stream
func (m *Metrics) RecordDropped(stream, reason string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.DroppedTotal.WithLabelValues(stream, reason).Add(float64(n))
}

// RecordBytes adds bytes written for a stream
func (m *Metrics) RecordBytes(stream string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(stream).Add(float64(n))
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetRecordingActive flags whether a session is in progress
func (m *Metrics) SetRecordingActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.RecordingActive.Set(1)
	} else {
		m.RecordingActive.Set(0)
	}
}

// SetQuotaUsed sets the bytes counted against the quota
func (m *Metrics) SetQuotaUsed(bytes int64) {
	if m == nil {
		return
	}
	m.QuotaUsedBytes.Set(float64(bytes))
}

// SetWorkerConnected flags whether the hook worker is attached
func (m *Metrics) SetWorkerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.WorkerConnected.Set(1)
	} else {
		m.WorkerConnected.Set(0)
	}
}

// SetQueueDepth sets the current depth of a capture queue
func (m *Metrics) SetQueueDepth(stream string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(stream).Set(float64(depth))
}

// ObserveEncodeDuration records one frame encode
func (m *Metrics) ObserveEncodeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.EncodeDuration.Observe(seconds)
}
