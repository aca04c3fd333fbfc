// Package metrics provides Prometheus metrics for the storage engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage engine. Nothing in
// this package exposes an HTTP handler: callers that want to export these
// series hold the *prometheus.Registry returned alongside the engine and
// wire their own promhttp mux.
type Metrics struct {
	// Cache metrics
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CachePagesResident prometheus.Gauge
	CacheDirtyPages    prometheus.Gauge
	FlushDuration      prometheus.Histogram

	// WAL metrics
	WalAppendsTotal   prometheus.Counter
	WalFsyncDuration  prometheus.Histogram
	WalBytesWritten   prometheus.Counter
	GroupCommitBatch  prometheus.Histogram
	WalSegmentRotations prometheus.Counter

	// Allocator metrics
	AllocationsTotal *prometheus.CounterVec
	FreeListDepth    *prometheus.GaugeVec

	// B-Tree metrics
	SplitsTotal prometheus.Counter
	MergesTotal prometheus.Counter

	// Engine operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	CheckpointDuration prometheus.Histogram

	StartTime time.Time
}

// NewMetrics creates and registers all Prometheus metrics against the given
// registry. Passing a fresh registry per engine instance keeps repeated
// engine.Open calls in the same test binary from colliding on metric names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{StartTime: time.Now()}

	m.CacheHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_cache_hits_total",
		Help: "Total number of page cache hits",
	})
	m.CacheMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_cache_misses_total",
		Help: "Total number of page cache misses",
	})
	m.CacheEvictionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_cache_evictions_total",
		Help: "Total number of page cache evictions",
	})
	m.CachePagesResident = factory.NewGauge(prometheus.GaugeOpts{
		Name: "pagestore_cache_pages_resident",
		Help: "Number of pages currently resident in the cache",
	})
	m.CacheDirtyPages = factory.NewGauge(prometheus.GaugeOpts{
		Name: "pagestore_cache_dirty_pages",
		Help: "Number of dirty pages currently resident in the cache",
	})
	m.FlushDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagestore_flush_duration_seconds",
		Help:    "Duration of dirty-page flush operations",
		Buckets: prometheus.DefBuckets,
	})

	m.WalAppendsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_wal_appends_total",
		Help: "Total number of WAL record appends",
	})
	m.WalFsyncDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagestore_wal_fsync_duration_seconds",
		Help:    "Duration of WAL fsync calls",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .5, 1},
	})
	m.WalBytesWritten = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_wal_bytes_written_total",
		Help: "Total bytes appended to the WAL",
	})
	m.GroupCommitBatch = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagestore_group_commit_batch_size",
		Help:    "Number of commit groups drained per fsync",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})
	m.WalSegmentRotations = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_wal_segment_rotations_total",
		Help: "Total number of WAL segment rotations",
	})

	m.AllocationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestore_allocations_total",
		Help: "Total number of page allocations by size class and outcome",
	}, []string{"size_class", "outcome"})
	m.FreeListDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagestore_free_list_depth",
		Help: "Number of free pages currently tracked per size class",
	}, []string{"size_class"})

	m.SplitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_btree_splits_total",
		Help: "Total number of B-Tree node splits",
	})
	m.MergesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "pagestore_btree_merges_total",
		Help: "Total number of B-Tree node merges",
	})

	m.OperationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestore_operations_total",
		Help: "Total number of engine operations",
	}, []string{"operation", "status"})
	m.OperationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagestore_operation_duration_seconds",
		Help:    "Duration of engine operations",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})
	m.CheckpointDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagestore_checkpoint_duration_seconds",
		Help:    "Duration of checkpoint operations",
		Buckets: prometheus.DefBuckets,
	})

	return m
}

// RecordOperation records an engine operation outcome and duration
func (m *Metrics) RecordOperation(operation string, status string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAllocation records a slab allocator outcome for a size class
func (m *Metrics) RecordAllocation(sizeClass string, outcome string) {
	m.AllocationsTotal.WithLabelValues(sizeClass, outcome).Inc()
}

// SetFreeListDepth updates the free-list depth gauge for a size class
func (m *Metrics) SetFreeListDepth(sizeClass string, depth int) {
	m.FreeListDepth.WithLabelValues(sizeClass).Set(float64(depth))
}
