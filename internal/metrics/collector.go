package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates every metric the memory engine emits.
type Collector struct {
	memoryOpsTotal   *prometheus.CounterVec
	memoryOpDuration *prometheus.HistogramVec

	searchesTotal    *prometheus.CounterVec
	searchFallbacks  prometheus.Counter
	searchResultSize *prometheus.HistogramVec

	routesTotal   *prometheus.CounterVec
	routeDuration *prometheus.HistogramVec

	duplicateGroupsFound prometheus.Counter
	mergesTotal          *prometheus.CounterVec
	archivesTotal        *prometheus.CounterVec
	similarityCacheHits  prometheus.Counter

	decayRunsTotal    *prometheus.CounterVec
	decayRunDuration  prometheus.Histogram
	indexSyncDropped  prometheus.Counter
	indexSyncFailures prometheus.Counter

	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers all collectors under the given metric namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.memoryOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Total number of memory store operations",
		},
		[]string{"operation", "status"},
	)
	c.memoryOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_operation_duration_seconds",
			Help:      "Memory store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of hybrid searches",
		},
		[]string{"status"},
	)
	c.searchFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_fallbacks_total",
			Help:      "Searches served keyword-only because the vector branch was unavailable",
		},
	)
	c.searchResultSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_result_size",
			Help:      "Number of results returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"kind"}, // kind: search, route
	)

	c.routesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total number of routing requests",
		},
		[]string{"scene", "status"},
	)
	c.routeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "Routing request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"scene"},
	)

	c.duplicateGroupsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_groups_found_total",
			Help:      "Duplicate groups discovered by detection runs",
		},
	)
	c.mergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Total number of merge operations",
		},
		[]string{"strategy", "status"},
	)
	c.archivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_total",
			Help:      "Total number of archive operations",
		},
		[]string{"level", "status"},
	)
	c.similarityCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "similarity_cache_hits_total",
			Help:      "Pairwise similarity lookups served from cache",
		},
	)

	c.decayRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_runs_total",
			Help:      "Total number of batch decay statistics runs",
		},
		[]string{"status"},
	)
	c.decayRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decay_run_duration_seconds",
			Help:      "Batch decay run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
	c.indexSyncDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_sync_dropped_total",
			Help:      "Index sync tasks dropped because the queue was full",
		},
	)
	c.indexSyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_sync_failures_total",
			Help:      "Index sync tasks that failed after running",
		},
	)

	c.dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
	)
	c.dbConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordMemoryOp records one store operation.
func (c *Collector) RecordMemoryOp(operation string, err error, duration time.Duration) {
	c.memoryOpsTotal.WithLabelValues(operation, status(err)).Inc()
	c.memoryOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSearch records one hybrid search.
func (c *Collector) RecordSearch(err error, fallback bool, results int) {
	c.searchesTotal.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	if fallback {
		c.searchFallbacks.Inc()
	}
	c.searchResultSize.WithLabelValues("search").Observe(float64(results))
}

// RecordRoute records one routing request.
func (c *Collector) RecordRoute(scene string, err error, fallback bool, results int, duration time.Duration) {
	c.routesTotal.WithLabelValues(scene, status(err)).Inc()
	c.routeDuration.WithLabelValues(scene).Observe(duration.Seconds())
	if err != nil {
		return
	}
	if fallback {
		c.searchFallbacks.Inc()
	}
	c.searchResultSize.WithLabelValues("route").Observe(float64(results))
}

// RecordDuplicateGroups records the outcome of a detection run.
func (c *Collector) RecordDuplicateGroups(groups int) {
	c.duplicateGroupsFound.Add(float64(groups))
}

// RecordMerge records one merge operation.
func (c *Collector) RecordMerge(strategy string, err error) {
	c.mergesTotal.WithLabelValues(strategy, status(err)).Inc()
}

// RecordArchive records one archive operation.
func (c *Collector) RecordArchive(level string, err error) {
	c.archivesTotal.WithLabelValues(level, status(err)).Inc()
}

// RecordSimilarityCacheHit counts a memoized pair lookup.
func (c *Collector) RecordSimilarityCacheHit() {
	c.similarityCacheHits.Inc()
}

// RecordDecayRun records one batch statistics run.
func (c *Collector) RecordDecayRun(err error, duration time.Duration) {
	c.decayRunsTotal.WithLabelValues(status(err)).Inc()
	c.decayRunDuration.Observe(duration.Seconds())
}

// RecordIndexSyncDropped counts a sync task dropped on enqueue.
func (c *Collector) RecordIndexSyncDropped() {
	c.indexSyncDropped.Inc()
}

// RecordIndexSyncFailure counts a sync task that ran and failed.
func (c *Collector) RecordIndexSyncFailure() {
	c.indexSyncFailures.Inc()
}

// RecordDBConnections records pool sizes.
func (c *Collector) RecordDBConnections(open, idle int) {
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
