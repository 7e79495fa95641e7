// Package memory assembles the memory engine: persistent storage with
// namespace isolation, time-decayed importance scoring, hybrid retrieval,
// scene-aware routing, deduplication, and multi-level archival.
//
// Service is the single entry point consumed by outer layers. Every
// operation validates its input before mutating anything, and collaborator
// outages (embedding, summarization, vector index, session store) degrade
// behavior instead of failing requests.
package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/memflow-ai/memflow/internal/metrics"
	"github.com/memflow-ai/memflow/memory/archive"
	"github.com/memflow-ai/memflow/memory/decay"
	"github.com/memflow-ai/memflow/memory/dedup"
	"github.com/memflow-ai/memflow/memory/router"
	"github.com/memflow-ai/memflow/memory/search"
	"github.com/memflow-ai/memflow/memory/session"
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

// Deps carries everything a Service needs. Store is required; all other
// collaborators are optional and their absence degrades the matching
// feature.
type Deps struct {
	Store    *store.Store
	Engine   *search.Engine
	Router   *router.Router
	Dedup    *dedup.Engine
	Archive  *archive.Manager
	DecayJob *decay.BatchJob
	Calc     *decay.Calculator
	Tracker  session.Tracker
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Service is the facade over the memory engine.
type Service struct {
	store    *store.Store
	engine   *search.Engine
	router   *router.Router
	dedup    *dedup.Engine
	archive  *archive.Manager
	decayJob *decay.BatchJob
	calc     *decay.Calculator
	tracker  session.Tracker
	metrics  *metrics.Collector
	tracer   oteltrace.Tracer
	logger   *zap.Logger
}

// NewService wires a Service from its dependencies.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, types.NewValidationError("store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	calc := deps.Calc
	if calc == nil {
		calc = decay.NewCalculator(nil)
	}
	return &Service{
		store:    deps.Store,
		engine:   deps.Engine,
		router:   deps.Router,
		dedup:    deps.Dedup,
		archive:  deps.Archive,
		decayJob: deps.DecayJob,
		calc:     calc,
		tracker:  deps.Tracker,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("memflow/memory"),
		logger:   logger.With(zap.String("component", "memory_service")),
	}, nil
}

// Start launches the background decay statistics job, when configured.
func (s *Service) Start(ctx context.Context) error {
	if s.decayJob == nil {
		return nil
	}
	return s.decayJob.Start(ctx)
}

// Stop shuts down background work and drains the index-sync queue.
func (s *Service) Stop() {
	if s.decayJob != nil {
		s.decayJob.Stop()
	}
	s.store.Close()
}

// WriteMemory persists a new memory and returns its id.
func (s *Service) WriteMemory(ctx context.Context, rec *types.MemoryRecord) (int64, error) {
	ctx, span := s.startSpan(ctx, "memory.write", rec.Namespace)
	start := time.Now()
	id, err := s.store.Write(ctx, rec)
	s.endSpan(span, err)
	s.recordOp("write", err, start)
	return id, err
}

// FlushIndex waits until every pending vector-index update is applied.
// Index sync runs off the write path; a caller that searches right
// after writing uses this barrier to see the fresh vectors.
func (s *Service) FlushIndex(ctx context.Context) error {
	return s.store.FlushIndex(ctx)
}

// GetMemory fetches one active memory.
func (s *Service) GetMemory(ctx context.Context, namespace string, id int64) (*types.MemoryRecord, error) {
	start := time.Now()
	rec, err := s.store.Read(ctx, namespace, id)
	s.recordOp("read", err, start)
	return rec, err
}

// EffectiveScore reports the record's current time-decayed score.
// Decay is always computed at read time; stored scores are never aged
// in place.
func (s *Service) EffectiveScore(rec *types.MemoryRecord) float64 {
	return s.calc.TimeScore(rec)
}

// TouchMemory marks a memory as reactivated, feeding its boost on
// future scoring.
func (s *Service) TouchMemory(ctx context.Context, namespace string, id int64) error {
	start := time.Now()
	err := s.store.Touch(ctx, namespace, id)
	s.recordOp("touch", err, start)
	return err
}

// UpdateMemory applies a partial update. Returns false for an unknown id.
func (s *Service) UpdateMemory(ctx context.Context, namespace string, id int64, fields store.UpdateFields) (bool, error) {
	start := time.Now()
	ok, err := s.store.Update(ctx, namespace, id, fields)
	s.recordOp("update", err, start)
	return ok, err
}

// DeleteMemory removes a memory. Soft deletes are reversible via
// RestoreMemory within the retention window; hard deletes are not.
func (s *Service) DeleteMemory(ctx context.Context, namespace string, id int64, soft bool) (bool, error) {
	start := time.Now()
	var (
		ok  bool
		err error
	)
	if soft {
		ok, err = s.store.SoftDelete(ctx, namespace, id)
		s.recordOp("soft_delete", err, start)
	} else {
		ok, err = s.store.HardDelete(ctx, namespace, id)
		s.recordOp("hard_delete", err, start)
	}
	return ok, err
}

// RestoreMemory reverses a soft delete.
func (s *Service) RestoreMemory(ctx context.Context, namespace string, id int64) (bool, error) {
	start := time.Now()
	ok, err := s.store.Restore(ctx, namespace, id)
	s.recordOp("restore", err, start)
	return ok, err
}

// Route answers one retrieval request through the scene-aware router.
func (s *Service) Route(ctx context.Context, namespace, query, sessionID string, scene router.Scene, opts router.Options) (*router.RoutingResult, error) {
	if s.router == nil {
		return nil, types.NewValidationError("router is not configured")
	}
	ctx, span := s.startSpan(ctx, "memory.route", namespace,
		attribute.String("scene", string(scene)))
	start := time.Now()
	result, err := s.router.Route(ctx, namespace, query, sessionID, scene, opts)
	s.endSpan(span, err)
	if s.metrics != nil {
		fallback, results := false, 0
		if result != nil {
			fallback, results = result.Fallback, len(result.Memories)
		}
		s.metrics.RecordRoute(string(scene), err, fallback, results, time.Since(start))
	}
	return result, err
}

// HybridSearch runs a hybrid query without routing semantics.
func (s *Service) HybridSearch(ctx context.Context, namespace, query string, opts search.Options) (*search.Response, error) {
	if s.engine == nil {
		return nil, types.NewValidationError("search engine is not configured")
	}
	ctx, span := s.startSpan(ctx, "memory.search", namespace)
	resp, err := s.engine.Search(ctx, namespace, query, opts)
	s.endSpan(span, err)
	if s.metrics != nil {
		fallback, results := false, 0
		if resp != nil {
			fallback, results = resp.Fallback, len(resp.Results)
		}
		s.metrics.RecordSearch(err, fallback, results)
	}
	return resp, err
}

// DetectDuplicates scans a namespace for duplicate groups.
func (s *Service) DetectDuplicates(ctx context.Context, namespace string) ([]types.DuplicateGroup, error) {
	return s.DetectDuplicatesIn(ctx, namespace, dedup.Options{})
}

// DetectDuplicatesIn scans for duplicate groups, optionally narrowed to
// specific ids or a per-call threshold.
func (s *Service) DetectDuplicatesIn(ctx context.Context, namespace string, opts dedup.Options) ([]types.DuplicateGroup, error) {
	if s.dedup == nil {
		return nil, types.NewValidationError("dedup engine is not configured")
	}
	ctx, span := s.startSpan(ctx, "memory.detect_duplicates", namespace)
	groups, err := s.dedup.DetectDuplicatesIn(ctx, namespace, opts)
	s.endSpan(span, err)
	if err == nil && s.metrics != nil {
		s.metrics.RecordDuplicateGroups(len(groups))
	}
	return groups, err
}

// MergeMemories collapses the given memories into their oldest member.
func (s *Service) MergeMemories(ctx context.Context, namespace string, ids []int64, strategy string) (*types.MergeResult, error) {
	if s.archive == nil {
		return nil, types.NewValidationError("archive manager is not configured")
	}
	ctx, span := s.startSpan(ctx, "memory.merge", namespace,
		attribute.String("strategy", strategy))
	result, err := s.archive.MergeDuplicates(ctx, namespace, ids, strategy)
	s.endSpan(span, err)
	if s.metrics != nil {
		s.metrics.RecordMerge(strategy, err)
	}
	return result, err
}

// ArchiveMemory compacts one memory to the target archive level.
func (s *Service) ArchiveMemory(ctx context.Context, namespace string, id int64, level int, compress bool) (*types.ArchiveRecord, error) {
	if s.archive == nil {
		return nil, types.NewValidationError("archive manager is not configured")
	}
	ctx, span := s.startSpan(ctx, "memory.archive", namespace,
		attribute.Int("target_level", level))
	rec, err := s.archive.ArchiveMemory(ctx, namespace, id, level, compress)
	s.endSpan(span, err)
	if s.metrics != nil {
		s.metrics.RecordArchive(levelLabel(level), err)
	}
	return rec, err
}

// CompactArchives re-compresses every archive record one level down
// from the target into the target level.
func (s *Service) CompactArchives(ctx context.Context, namespace string, level int) ([]types.ArchiveRecord, error) {
	if s.archive == nil {
		return nil, types.NewValidationError("archive manager is not configured")
	}
	return s.archive.ArchiveOfArchives(ctx, namespace, level)
}

// RestoreArchive re-inflates an archived memory from its archive record.
func (s *Service) RestoreArchive(ctx context.Context, namespace, archiveID string) (*types.ArchiveRecord, error) {
	if s.archive == nil {
		return nil, types.NewValidationError("archive manager is not configured")
	}
	return s.archive.RestoreArchive(ctx, namespace, archiveID)
}

// GetArchiveStats aggregates archive activity for one namespace.
func (s *Service) GetArchiveStats(ctx context.Context, namespace string) (*types.ArchiveStats, error) {
	if s.archive == nil {
		return nil, types.NewValidationError("archive manager is not configured")
	}
	return s.archive.Stats(ctx, namespace)
}

// GetDecayStatistics returns the latest batch decay report for a
// namespace, or the overall report for the empty namespace. ok is false
// before the first batch run.
func (s *Service) GetDecayStatistics(namespace string) (types.DecayStatistics, bool) {
	if s.decayJob == nil {
		return types.DecayStatistics{}, false
	}
	return s.decayJob.Statistics(namespace)
}

// RefreshDecayStatistics forces a batch statistics run outside the
// schedule.
func (s *Service) RefreshDecayStatistics(ctx context.Context) error {
	if s.decayJob == nil {
		return types.NewValidationError("decay job is not configured")
	}
	start := time.Now()
	err := s.decayJob.RunOnce(ctx)
	if s.metrics != nil {
		s.metrics.RecordDecayRun(err, time.Since(start))
	}
	return err
}

func (s *Service) startSpan(ctx context.Context, name, namespace string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(append(attrs, attribute.String("namespace", namespace))...)
	return ctx, span
}

func (s *Service) endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) recordOp(operation string, err error, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordMemoryOp(operation, err, time.Since(start))
	}
}

func levelLabel(level int) string {
	if tier, err := archive.LevelFor(level); err == nil {
		return tier.Name
	}
	return "invalid"
}
