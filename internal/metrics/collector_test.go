package metrics

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.memoryOpsTotal)
	assert.NotNil(t, collector.searchesTotal)
	assert.NotNil(t, collector.routesTotal)
	assert.NotNil(t, collector.mergesTotal)
	assert.NotNil(t, collector.archivesTotal)
	assert.NotNil(t, collector.decayRunsTotal)
}

func TestCollector_RecordMemoryOp(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordMemoryOp("write", nil, 10*time.Millisecond)
	collector.RecordMemoryOp("write", errors.New("boom"), 5*time.Millisecond)

	count := testutil.CollectAndCount(collector.memoryOpsTotal)
	assert.Equal(t, 2, count) // ok and error series

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.memoryOpsTotal.WithLabelValues("write", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.memoryOpsTotal.WithLabelValues("write", "error")))
}

func TestCollector_RecordSearchFallback(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordSearch(nil, false, 5)
	collector.RecordSearch(nil, true, 2)
	collector.RecordSearch(errors.New("boom"), true, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.searchFallbacks))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.searchesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.searchesTotal.WithLabelValues("error")))
}

func TestCollector_RecordRoute(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRoute("chat", nil, false, 3, 20*time.Millisecond)
	collector.RecordRoute("task", nil, true, 1, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.routesTotal.WithLabelValues("chat", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.routesTotal.WithLabelValues("task", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.searchFallbacks))
}

func TestCollector_MaintenanceCounters(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDuplicateGroups(3)
	collector.RecordMerge("simple", nil)
	collector.RecordArchive("2", nil)
	collector.RecordDecayRun(nil, time.Second)
	collector.RecordIndexSyncDropped()
	collector.RecordIndexSyncFailure()
	collector.RecordDBConnections(4, 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.duplicateGroupsFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.mergesTotal.WithLabelValues("simple", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.archivesTotal.WithLabelValues("2", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.indexSyncDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.indexSyncFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.dbConnectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.dbConnectionsIdle))
}
