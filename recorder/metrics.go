package recorder

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/viewreplay/treediff"
	"github.com/hazyhaar/viewreplay/uploadq"
)

const metricsNamespace = "viewreplay"

// Metrics holds the recorder's Prometheus collectors.
type Metrics struct {
	// FramesTotal counts encoded frames. Labels: kind (full, incremental, unchanged).
	FramesTotal *prometheus.CounterVec
	// FramesSkippedTotal counts frames not produced. Labels: reason (busy, capture_error, no_snapshot).
	FramesSkippedTotal *prometheus.CounterVec
	// OperationsTotal counts diff operations. Labels: op (add, remove, update).
	OperationsTotal *prometheus.CounterVec
	DiffDuration    prometheus.Histogram
	// BatchesSentTotal counts batch deliveries. Labels: result (ok, error).
	BatchesSentTotal *prometheus.CounterVec
	// UploadsDroppedTotal counts queued uploads dropped after max attempts.
	UploadsDroppedTotal prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Captured frames by encoding kind.",
		}, []string{"kind"}),
		FramesSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_skipped_total",
			Help:      "Ticks that produced no frame, by reason.",
		}, []string{"reason"}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Tree diff operations by type.",
		}, []string{"op"}),
		DiffDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "diff_duration_seconds",
			Help:      "Time spent diffing consecutive snapshots.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),
		BatchesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_sent_total",
			Help:      "Batch deliveries to sinks by result.",
		}, []string{"result"}),
		UploadsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_dropped_total",
			Help:      "Queued uploads dropped after exhausting their attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesTotal, m.FramesSkippedTotal, m.OperationsTotal,
			m.DiffDuration, m.BatchesSentTotal, m.UploadsDroppedTotal,
		)
	}
	return m
}

func (m *Metrics) countOps(ops []treediff.Operation) {
	for op, n := range treediff.Count(ops) {
		m.OperationsTotal.WithLabelValues(op.String()).Add(float64(n))
	}
}

// UploadDropped is an uploadq OnDrop hook.
func (m *Metrics) UploadDropped(*uploadq.Job) {
	m.UploadsDroppedTotal.Inc()
}
