// Package search implements hybrid retrieval over the memory store: a
// vector branch against the external index and a keyword branch against
// the relational store, merged with configurable weights.
//
// The vector branch is best effort. When the embedder or index is absent
// or failing, the engine serves the keyword branch alone and marks the
// response as a fallback; a search request never fails because a
// collaborator is down.
package search

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow-ai/memflow/memory/provider"
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

const (
	// DefaultVectorWeight and DefaultKeywordWeight split the hybrid score.
	DefaultVectorWeight  = 0.6
	DefaultKeywordWeight = 0.4

	// DefaultMinScore drops weak matches from the merged result set.
	DefaultMinScore = 0.3

	// DefaultLimit caps a result set when the caller does not.
	DefaultLimit = 20
)

// Source labels how a result earned its score.
const (
	SourceVector  = "vector"
	SourceKeyword = "keyword"
	SourceHybrid  = "hybrid"
)

// Options tunes one search request. Zero values fall back to the
// engine defaults.
type Options struct {
	Limit         int     `json:"limit"`
	MinScore      float64 `json:"min_score"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`

	// KeywordOnly skips the vector branch even when it is available.
	KeywordOnly bool `json:"keyword_only"`
}

// Result is one scored hit.
type Result struct {
	Record types.MemoryRecord `json:"record"`
	Score  float64            `json:"score"`
	Source string             `json:"source"`
}

// Response carries the merged result set. Fallback is true when the
// vector branch was unavailable and the keyword branch served alone.
type Response struct {
	Results  []Result `json:"results"`
	Fallback bool     `json:"fallback"`
}

// Config holds engine-level defaults, overridable per request.
type Config struct {
	VectorWeight  float64 `json:"vector_weight" yaml:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight" yaml:"keyword_weight"`
	MinScore      float64 `json:"min_score" yaml:"min_score"`
	Limit         int     `json:"limit" yaml:"limit"`
}

// Engine runs hybrid searches. Embedder and index may be nil; the
// engine then degrades to keyword-only with Fallback set.
type Engine struct {
	store    *store.Store
	embedder provider.EmbeddingProvider
	index    provider.VectorIndex
	config   Config
	logger   *zap.Logger
}

// NewEngine creates a hybrid search engine over the given store.
func NewEngine(s *store.Store, embedder provider.EmbeddingProvider, index provider.VectorIndex, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.VectorWeight <= 0 {
		config.VectorWeight = DefaultVectorWeight
	}
	if config.KeywordWeight <= 0 {
		config.KeywordWeight = DefaultKeywordWeight
	}
	if config.MinScore <= 0 {
		config.MinScore = DefaultMinScore
	}
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	return &Engine{
		store:    s,
		embedder: embedder,
		index:    index,
		config:   config,
		logger:   logger.With(zap.String("component", "search_engine")),
	}
}

// Search runs a hybrid query within one namespace.
func (e *Engine) Search(ctx context.Context, namespace, query string, opts Options) (*Response, error) {
	if err := store.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.NewValidationError("query cannot be empty")
	}
	opts = e.applyDefaults(opts)

	type branchHits struct {
		vec, kw       float64
		hasVec, hasKw bool
	}
	merged := make(map[int64]branchHits)
	fallback := false

	if opts.KeywordOnly || e.embedder == nil || e.index == nil {
		fallback = true
	} else {
		matches, err := e.vectorBranch(ctx, namespace, query, opts.Limit*2)
		if err != nil {
			e.logger.Warn("vector branch unavailable, serving keyword only",
				zap.String("namespace", namespace),
				zap.Error(err))
			fallback = true
		} else {
			for _, m := range matches {
				merged[m.ID] = branchHits{vec: m.Score, hasVec: true}
			}
		}
	}

	keywordHits, err := e.keywordBranch(ctx, namespace, query, opts.Limit*2)
	if err != nil {
		return nil, err
	}
	for id, kwScore := range keywordHits {
		hits := merged[id]
		hits.kw, hits.hasKw = kwScore, true
		merged[id] = hits
	}

	type scored struct {
		score  float64
		source string
	}
	final := make(map[int64]scored, len(merged))
	for id, hits := range merged {
		var s scored
		switch {
		case hits.hasVec && hits.hasKw:
			// Keyword adjusts the vector score rather than averaging
			// with it.
			s = scored{score: hits.vec*(1-opts.KeywordWeight) + hits.kw*opts.KeywordWeight, source: SourceHybrid}
		case hits.hasVec:
			s = scored{score: hits.vec * opts.VectorWeight, source: SourceVector}
		case fallback:
			// Keyword-only mode reports raw keyword scores so the
			// ranking matches a pure keyword search.
			s = scored{score: hits.kw, source: SourceKeyword}
		default:
			s = scored{score: hits.kw * opts.KeywordWeight, source: SourceKeyword}
		}
		final[id] = s
	}

	ids := make([]int64, 0, len(final))
	for id, s := range final {
		if s.score >= opts.MinScore {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return &Response{Results: []Result{}, Fallback: fallback}, nil
	}

	records, err := e.store.GetMany(ctx, namespace, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(records))
	for _, rec := range records {
		s := final[rec.ID]
		results = append(results, Result{Record: rec, Score: s.score, Source: s.source})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return &Response{Results: results, Fallback: fallback}, nil
}

func (e *Engine) applyDefaults(opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = e.config.Limit
	}
	if opts.MinScore <= 0 {
		opts.MinScore = e.config.MinScore
	}
	if opts.VectorWeight <= 0 {
		opts.VectorWeight = e.config.VectorWeight
	}
	if opts.KeywordWeight <= 0 {
		opts.KeywordWeight = e.config.KeywordWeight
	}
	return opts
}

func (e *Engine) vectorBranch(ctx context.Context, namespace, query string, k int) ([]provider.IndexMatch, error) {
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, types.NewCollaboratorError("embedding", err)
	}
	matches, err := e.index.Search(ctx, vector, k, map[string]any{"namespace": namespace})
	if err != nil {
		return nil, types.NewCollaboratorError("vector_index", err)
	}
	return matches, nil
}

// keywordBranch scores LIKE matches by how early the query appears in
// the content, with a small floor bonus so a trailing match still
// scores above zero.
func (e *Engine) keywordBranch(ctx context.Context, namespace, query string, limit int) (map[int64]float64, error) {
	records, err := e.store.Search(ctx, namespace, store.Filters{ContentLike: query}, limit, 0)
	if err != nil {
		return nil, err
	}
	hits := make(map[int64]float64, len(records))
	for _, rec := range records {
		hits[rec.ID] = KeywordScore(rec.Content, query)
	}
	return hits, nil
}

// KeywordScore rates a literal match by position: an occurrence at the
// start of the content scores highest, one at the end lowest, plus a
// 0.1 floor bonus. The result is clamped to [0, 1].
func KeywordScore(content, query string) float64 {
	if content == "" || query == "" {
		return 0
	}
	pos := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if pos < 0 {
		return 0
	}
	score := 1 - float64(pos)/float64(len(content)) + 0.1
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
