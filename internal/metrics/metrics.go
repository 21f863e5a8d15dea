package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coach_context"

// Metrics holds the Prometheus collectors shared by the store, indexer and
// retriever. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Indexer
	IndexedFiles   prometheus.Counter
	IndexErrors    prometheus.Counter
	DroppedFiles   prometheus.Counter
	AbandonedFiles prometheus.Counter
	PendingFiles   prometheus.Gauge

	// Vector store
	StoreRecords    prometheus.Gauge
	SkippedOnLoad   prometheus.Counter
	PersistFailures *prometheus.CounterVec
	StoreDegraded   prometheus.Gauge
	SearchLatency   prometheus.Histogram

	// Retriever
	RetrieveLatency prometheus.Histogram
	SourceErrors    *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IndexedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_files_total",
			Help:      "Notes embedded and written to the vector store",
		}),
		IndexErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_errors_total",
			Help:      "Index operations that failed",
		}),
		DroppedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_files_total",
			Help:      "Pending index entries evicted because the queue was full",
		}),
		AbandonedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abandoned_files_total",
			Help:      "Dropped files discarded after exceeding the retry limit",
		}),
		PendingFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_files",
			Help:      "Debounced index entries waiting to fire",
		}),
		StoreRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_records",
			Help:      "Records held by the vector store",
		}),
		SkippedOnLoad: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_skipped_records_total",
			Help:      "Persisted records skipped as invalid during load",
		}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_persist_failures_total",
			Help:      "Record writes or deletes that failed after retries",
		}, []string{"op"}),
		StoreDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_degraded",
			Help:      "1 when the vector store failed to initialize",
		}),
		SearchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Vector store search latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		RetrieveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_duration_seconds",
			Help:      "Context retrieval latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		SourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieve_source_errors_total",
			Help:      "Context sources that failed and were degraded to empty",
		}, []string{"source"}),
	}
}

func (m *Metrics) RecordIndexed() {
	if m != nil {
		m.IndexedFiles.Inc()
	}
}

func (m *Metrics) RecordIndexError() {
	if m != nil {
		m.IndexErrors.Inc()
	}
}

func (m *Metrics) RecordDropped() {
	if m != nil {
		m.DroppedFiles.Inc()
	}
}

func (m *Metrics) RecordAbandoned() {
	if m != nil {
		m.AbandonedFiles.Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingFiles.Set(float64(n))
	}
}

func (m *Metrics) SetStoreRecords(n int) {
	if m != nil {
		m.StoreRecords.Set(float64(n))
	}
}

func (m *Metrics) RecordSkipped(n int) {
	if m != nil && n > 0 {
		m.SkippedOnLoad.Add(float64(n))
	}
}

// RecordPersistFailure counts a failed "write" or "delete".
func (m *Metrics) RecordPersistFailure(op string) {
	if m != nil {
		m.PersistFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.StoreDegraded.Set(1)
		return
	}
	m.StoreDegraded.Set(0)
}

func (m *Metrics) ObserveSearch(start time.Time) {
	if m != nil {
		m.SearchLatency.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveRetrieve(start time.Time) {
	if m != nil {
		m.RetrieveLatency.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordSourceError(source string) {
	if m != nil {
		m.SourceErrors.WithLabelValues(source).Inc()
	}
}
