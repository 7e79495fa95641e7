// Package dedup finds near-duplicate memories inside a namespace by
// pairwise embedding similarity and groups them into merge candidates.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memflow-ai/memflow/memory/provider"
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

const (
	// DefaultThreshold is the similarity above which two memories are
	// treated as duplicates.
	DefaultThreshold = 0.85

	// DefaultConcurrency bounds the pairwise comparison fan-out.
	DefaultConcurrency = 4

	// DefaultScanLimit caps how many active records one detection pass
	// loads. Pairwise comparison is quadratic; the cap keeps a single
	// pass bounded.
	DefaultScanLimit = 1000
)

// Config tunes the engine.
type Config struct {
	Threshold   float64 `json:"threshold" yaml:"threshold"`
	Concurrency int     `json:"concurrency" yaml:"concurrency"`
	ScanLimit   int     `json:"scan_limit" yaml:"scan_limit"`

	// Metrics receives pair-cache hit counts. Optional.
	Metrics CacheMetrics `json:"-" yaml:"-"`
}

// CacheMetrics counts memoized pair comparisons served from cache.
type CacheMetrics interface {
	RecordSimilarityCacheHit()
}

type pairKey struct {
	namespace string
	a, b      int64 // a < b
}

func newPairKey(namespace string, x, y int64) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{namespace: namespace, a: x, b: y}
}

// Engine detects duplicate memories. The embedder is optional; without
// one the engine degrades to exact-content matching.
type Engine struct {
	store    *store.Store
	embedder provider.EmbeddingProvider
	config   Config
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[pairKey]float64
}

// NewEngine creates a deduplication engine over the given store.
func NewEngine(s *store.Store, embedder provider.EmbeddingProvider, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Threshold <= 0 || config.Threshold > 1 {
		config.Threshold = DefaultThreshold
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.ScanLimit <= 0 {
		config.ScanLimit = DefaultScanLimit
	}
	return &Engine{
		store:    s,
		embedder: embedder,
		config:   config,
		logger:   logger.With(zap.String("component", "dedup_engine")),
		cache:    make(map[pairKey]float64),
	}
}

// ClearCache drops memoized pair similarities. Call it after content
// edits that would invalidate previous comparisons.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[pairKey]float64)
	e.mu.Unlock()
}

// Options narrows one detection pass.
type Options struct {
	// IDs restricts the scan to the given records. Empty scans the
	// whole namespace up to ScanLimit.
	IDs []int64

	// Threshold overrides the engine threshold when in (0, 1].
	Threshold float64
}

// DetectDuplicates scans a namespace and returns duplicate groups.
// Each group is a connected component of the pair graph whose edges
// are similarities at or above the threshold; the canonical member is
// the oldest record. Groups are ordered by canonical id.
func (e *Engine) DetectDuplicates(ctx context.Context, namespace string) ([]types.DuplicateGroup, error) {
	return e.DetectDuplicatesIn(ctx, namespace, Options{})
}

// DetectDuplicatesIn runs one detection pass narrowed by opts.
func (e *Engine) DetectDuplicatesIn(ctx context.Context, namespace string, opts Options) ([]types.DuplicateGroup, error) {
	if err := store.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = e.config.Threshold
	}

	var (
		records []types.MemoryRecord
		err     error
	)
	if len(opts.IDs) > 0 {
		if len(opts.IDs) < 2 {
			return nil, types.NewValidationError("at least 2 ids are required")
		}
		records, err = e.store.GetMany(ctx, namespace, opts.IDs)
	} else {
		records, err = e.store.ListActive(ctx, namespace, e.config.ScanLimit, 0)
	}
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, nil
	}

	vectors := e.embedAll(ctx, records)

	type edge struct {
		a, b  int64
		score float64
	}
	var (
		edgeMu sync.Mutex
		edges  []edge
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i := 0; i < len(records); i++ {
		i := i
		g.Go(func() error {
			for j := i + 1; j < len(records); j++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				score := e.pairSimilarity(namespace, &records[i], &records[j], vectors)
				if score < threshold {
					continue
				}
				edgeMu.Lock()
				edges = append(edges, edge{a: records[i].ID, b: records[j].ID, score: score})
				edgeMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storageErr("detect duplicates", err)
	}
	if len(edges) == 0 {
		return nil, nil
	}

	// Persist the duplicate pairs so stats and repeat scans are cheap.
	for _, ed := range edges {
		rec := &types.SimilarityRecord{
			Namespace:   namespace,
			IDA:         ed.a,
			IDB:         ed.b,
			Score:       ed.score,
			IsDuplicate: true,
			CheckedAt:   time.Now(),
		}
		if err := e.store.SaveSimilarity(ctx, rec); err != nil {
			e.logger.Warn("persist similarity failed",
				zap.String("namespace", namespace),
				zap.Int64("id_a", ed.a),
				zap.Int64("id_b", ed.b),
				zap.Error(err))
		}
	}

	adjacency := make(map[int64][]int64)
	pairScores := make(map[string]float64, len(edges))
	for _, ed := range edges {
		adjacency[ed.a] = append(adjacency[ed.a], ed.b)
		adjacency[ed.b] = append(adjacency[ed.b], ed.a)
		pairScores[pairLabel(ed.a, ed.b)] = ed.score
	}

	byID := make(map[int64]*types.MemoryRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	var groups []types.DuplicateGroup
	visited := make(map[int64]bool)
	for _, rec := range records {
		if visited[rec.ID] || len(adjacency[rec.ID]) == 0 {
			continue
		}
		members := componentOf(rec.ID, adjacency, visited)
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

		group := types.DuplicateGroup{
			GroupID:        groupID(namespace, members),
			Namespace:      namespace,
			MemberIDs:      members,
			CanonicalID:    canonicalOf(members, byID),
			PairSimilarity: make(map[string]float64),
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				label := pairLabel(members[i], members[j])
				if score, ok := pairScores[label]; ok {
					group.PairSimilarity[label] = score
				}
			}
		}
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CanonicalID < groups[j].CanonicalID })

	e.logger.Info("duplicate scan complete",
		zap.String("namespace", namespace),
		zap.Int("records", len(records)),
		zap.Int("groups", len(groups)))
	return groups, nil
}

// FindSimilar returns active records whose similarity to the given
// record meets the threshold, most similar first.
func (e *Engine) FindSimilar(ctx context.Context, namespace string, id int64) ([]types.MemoryRecord, error) {
	target, err := e.store.Read(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListActive(ctx, namespace, e.config.ScanLimit, 0)
	if err != nil {
		return nil, err
	}

	vectors := e.embedAll(ctx, append([]types.MemoryRecord{*target}, records...))

	type hit struct {
		rec   types.MemoryRecord
		score float64
	}
	var hits []hit
	for i := range records {
		if records[i].ID == id {
			continue
		}
		score := e.pairSimilarity(namespace, target, &records[i], vectors)
		if score >= e.config.Threshold {
			hits = append(hits, hit{rec: records[i], score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]types.MemoryRecord, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out, nil
}

// embedAll embeds each record's content once. Failures are logged and
// the record falls back to exact-content matching.
func (e *Engine) embedAll(ctx context.Context, records []types.MemoryRecord) map[int64][]float64 {
	vectors := make(map[int64][]float64, len(records))
	if e.embedder == nil {
		return vectors
	}
	for i := range records {
		if _, ok := vectors[records[i].ID]; ok {
			continue
		}
		vec, err := e.embedder.Embed(ctx, records[i].Content)
		if err != nil {
			e.logger.Warn("embedding unavailable, using exact match",
				zap.Int64("memory_id", records[i].ID),
				zap.Error(err))
			continue
		}
		vectors[records[i].ID] = vec
	}
	return vectors
}

// pairSimilarity computes the similarity of two records, memoized per
// unordered pair.
func (e *Engine) pairSimilarity(namespace string, a, b *types.MemoryRecord, vectors map[int64][]float64) float64 {
	key := newPairKey(namespace, a.ID, b.ID)
	e.mu.Lock()
	if score, ok := e.cache[key]; ok {
		e.mu.Unlock()
		if e.config.Metrics != nil {
			e.config.Metrics.RecordSimilarityCacheHit()
		}
		return score
	}
	e.mu.Unlock()

	var score float64
	va, okA := vectors[a.ID]
	vb, okB := vectors[b.ID]
	switch {
	case okA && okB:
		score = provider.CosineSimilarity(va, vb)
	default:
		if normalizeContent(a.Content) == normalizeContent(b.Content) {
			score = 1.0
		}
	}

	e.mu.Lock()
	e.cache[key] = score
	e.mu.Unlock()
	return score
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// componentOf walks the pair graph depth-first from start.
func componentOf(start int64, adjacency map[int64][]int64, visited map[int64]bool) []int64 {
	var members []int64
	stack := []int64{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		members = append(members, id)
		stack = append(stack, adjacency[id]...)
	}
	return members
}

// canonicalOf picks the oldest member, breaking ties on the smaller id.
func canonicalOf(members []int64, byID map[int64]*types.MemoryRecord) int64 {
	canonical := members[0]
	for _, id := range members[1:] {
		a, b := byID[id], byID[canonical]
		if a == nil || b == nil {
			continue
		}
		if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && id < canonical) {
			canonical = id
		}
	}
	return canonical
}

// groupID derives a stable identifier from the sorted member ids so
// repeated scans of the same group agree.
func groupID(namespace string, sortedMembers []int64) string {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	for _, id := range sortedMembers {
		fmt.Fprintf(h, ":%d", id)
	}
	return fmt.Sprintf("dup-%016x", h.Sum64())
}

func pairLabel(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

func storageErr(op string, err error) error {
	if _, ok := err.(*types.Error); ok {
		return err
	}
	return types.NewStorageError(op, err)
}
