package decay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memflow-ai/memflow/types"
)

// RecordSource is the read-only view of the store the batch job needs.
type RecordSource interface {
	// Namespaces lists every namespace with at least one record.
	Namespaces(ctx context.Context) ([]string, error)

	// ListActive pages through non-deleted records of one namespace.
	ListActive(ctx context.Context, namespace string, limit, offset int) ([]types.MemoryRecord, error)
}

// Purger removes soft-deleted records past their retention window. It is
// optional; statistics runs are read-only either way.
type Purger interface {
	PurgeDeleted(ctx context.Context, namespace string, olderThan time.Duration) (int64, error)
}

// BatchJobConfig configures the background decay statistics job.
type BatchJobConfig struct {
	// Interval between runs. Default 24h.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// RunTimeout bounds a single run. Default Interval/2.
	RunTimeout time.Duration `json:"run_timeout" yaml:"run_timeout"`

	// StopGrace is how long Stop waits for an in-flight run before
	// returning anyway. Default 30s.
	StopGrace time.Duration `json:"stop_grace" yaml:"stop_grace"`

	// PageSize for paging through the store. Default 500.
	PageSize int `json:"page_size" yaml:"page_size"`

	// PurgeRetention, when > 0 and a Purger is attached, permanently
	// removes soft-deleted records older than this on every run.
	PurgeRetention time.Duration `json:"purge_retention" yaml:"purge_retention"`
}

// DefaultBatchJobConfig returns sensible defaults.
func DefaultBatchJobConfig() BatchJobConfig {
	return BatchJobConfig{
		Interval:       24 * time.Hour,
		StopGrace:      30 * time.Second,
		PageSize:       500,
		PurgeRetention: 30 * 24 * time.Hour,
	}
}

// BatchJob periodically recomputes decay statistics across the store.
//
// The job never writes decayed scores back: decay stays a read-time
// computation, and the job only reports on it (plus an optional purge of
// soft-deleted records past retention).
type BatchJob struct {
	source RecordSource
	purger Purger
	calc   *Calculator
	config BatchJobConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	statsMu sync.RWMutex
	stats   map[string]types.DecayStatistics
	overall types.DecayStatistics
}

// NewBatchJob creates the job. purger may be nil.
func NewBatchJob(source RecordSource, purger Purger, calc *Calculator, config BatchJobConfig, logger *zap.Logger) *BatchJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calc == nil {
		calc = NewCalculator(nil)
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = config.Interval / 2
	}
	if config.StopGrace <= 0 {
		config.StopGrace = 30 * time.Second
	}
	if config.PageSize <= 0 {
		config.PageSize = 500
	}
	return &BatchJob{
		source: source,
		purger: purger,
		calc:   calc,
		config: config,
		logger: logger.With(zap.String("component", "batch_decay_job")),
	}
}

// Start launches the background loop. Starting a running job is an error.
func (j *BatchJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("batch decay job already running")
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)

	j.logger.Info("batch decay job started", zap.Duration("interval", j.config.Interval))
	return nil
}

// Stop requests a cooperative shutdown and waits up to StopGrace for any
// in-flight run to finish.
func (j *BatchJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopCh)
	done := j.doneCh
	j.mu.Unlock()

	select {
	case <-done:
	case <-time.After(j.config.StopGrace):
		j.logger.Warn("batch decay job did not stop within grace period")
	}
}

func (j *BatchJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, j.config.RunTimeout)
			if err := j.RunOnce(runCtx); err != nil {
				j.logger.Error("batch decay run failed", zap.Error(err))
			}
			cancel()
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes one statistics pass immediately.
func (j *BatchJob) RunOnce(ctx context.Context) error {
	started := time.Now()

	namespaces, err := j.source.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}

	perNamespace := make(map[string]types.DecayStatistics, len(namespaces))
	overall := newStatistics("")

	for _, ns := range namespaces {
		if err := ctx.Err(); err != nil {
			return err
		}

		stats, err := j.collectNamespace(ctx, ns)
		if err != nil {
			return fmt.Errorf("collect namespace %s: %w", ns, err)
		}
		perNamespace[ns] = stats
		mergeStatistics(&overall, stats)

		if j.purger != nil && j.config.PurgeRetention > 0 {
			purged, err := j.purger.PurgeDeleted(ctx, ns, j.config.PurgeRetention)
			if err != nil {
				j.logger.Warn("purge of soft-deleted records failed",
					zap.String("namespace", ns), zap.Error(err))
			} else if purged > 0 {
				j.logger.Info("purged soft-deleted records",
					zap.String("namespace", ns), zap.Int64("purged", purged))
			}
		}
	}

	finalizeStatistics(&overall)

	j.statsMu.Lock()
	j.stats = perNamespace
	j.overall = overall
	j.statsMu.Unlock()

	j.logger.Info("batch decay run completed",
		zap.Int("namespaces", len(namespaces)),
		zap.Int64("records", overall.TotalRecords),
		zap.Duration("elapsed", time.Since(started)))

	return nil
}

func (j *BatchJob) collectNamespace(ctx context.Context, namespace string) (types.DecayStatistics, error) {
	stats := newStatistics(namespace)

	var sum float64
	sumByBucket := make(map[string]float64)

	for offset := 0; ; offset += j.config.PageSize {
		records, err := j.source.ListActive(ctx, namespace, j.config.PageSize, offset)
		if err != nil {
			return stats, err
		}
		if len(records) == 0 {
			break
		}

		for i := range records {
			rec := &records[i]
			score := j.calc.TimeScore(rec)
			bucket := BucketFor(rec.ImportanceScore).Name

			stats.TotalRecords++
			if rec.Permanent {
				stats.PermanentCount++
			}
			stats.ByModel[string(rec.DecayModel)]++
			stats.ByBucket[bucket]++
			sum += score
			sumByBucket[bucket] += score
		}

		if len(records) < j.config.PageSize {
			break
		}
	}

	if stats.TotalRecords > 0 {
		stats.AverageScore = sum / float64(stats.TotalRecords)
		for bucket, total := range sumByBucket {
			stats.AverageByBucket[bucket] = total / float64(stats.ByBucket[bucket])
		}
	}
	return stats, nil
}

// Statistics returns the latest report for one namespace, or the overall
// report when namespace is empty. ok is false before the first run or for
// an unknown namespace.
func (j *BatchJob) Statistics(namespace string) (types.DecayStatistics, bool) {
	j.statsMu.RLock()
	defer j.statsMu.RUnlock()

	if namespace == "" {
		return j.overall, !j.overall.GeneratedAt.IsZero()
	}
	stats, ok := j.stats[namespace]
	return stats, ok
}

func newStatistics(namespace string) types.DecayStatistics {
	return types.DecayStatistics{
		Namespace:       namespace,
		ByModel:         make(map[string]int64),
		ByBucket:        make(map[string]int64),
		AverageByBucket: make(map[string]float64),
		GeneratedAt:     time.Now(),
	}
}

func mergeStatistics(dst *types.DecayStatistics, src types.DecayStatistics) {
	dst.TotalRecords += src.TotalRecords
	dst.PermanentCount += src.PermanentCount
	for model, n := range src.ByModel {
		dst.ByModel[model] += n
	}
	// Weighted rolling sums; finalizeStatistics divides at the end.
	for bucket, n := range src.ByBucket {
		dst.ByBucket[bucket] += n
		dst.AverageByBucket[bucket] += src.AverageByBucket[bucket] * float64(n)
	}
	dst.AverageScore += src.AverageScore * float64(src.TotalRecords)
}

func finalizeStatistics(stats *types.DecayStatistics) {
	if stats.TotalRecords > 0 {
		stats.AverageScore /= float64(stats.TotalRecords)
	}
	for bucket, n := range stats.ByBucket {
		if n > 0 {
			stats.AverageByBucket[bucket] /= float64(n)
		}
	}
}
