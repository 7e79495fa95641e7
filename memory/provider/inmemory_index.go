package provider

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// InMemoryIndexConfig configures the in-process vector index.
type InMemoryIndexConfig struct {
	// Dimension, when > 0, validates stored and queried vectors.
	Dimension int
}

type indexEntry struct {
	vector   []float64
	metadata map[string]any
}

// InMemoryIndex is a flat cosine-similarity VectorIndex. It backs tests,
// local runs, and single-node deployments where no external vector
// collaborator is configured.
type InMemoryIndex struct {
	mu        sync.RWMutex
	items     map[int64]indexEntry
	dimension int
	logger    *zap.Logger
}

// NewInMemoryIndex creates an empty in-process index.
func NewInMemoryIndex(config InMemoryIndexConfig, logger *zap.Logger) *InMemoryIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryIndex{
		items:     make(map[int64]indexEntry),
		dimension: config.Dimension,
		logger:    logger.With(zap.String("component", "vector_index_inmemory")),
	}
}

// Upsert stores or replaces a vector.
func (s *InMemoryIndex) Upsert(ctx context.Context, id int64, vector []float64, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) == 0 {
		return fmt.Errorf("vector is required")
	}
	if s.dimension > 0 && len(vector) != s.dimension {
		return fmt.Errorf("vector dimension mismatch: got %d want %d", len(vector), s.dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[id] = indexEntry{
		vector:   append([]float64(nil), vector...),
		metadata: cloneMetadata(metadata),
	}
	return nil
}

// Search returns the k nearest neighbors by cosine similarity, restricted
// to entries whose metadata matches every filter key by equality.
func (s *InMemoryIndex) Search(ctx context.Context, query []float64, k int, filter map[string]any) ([]IndexMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	if s.dimension > 0 && len(query) != s.dimension {
		return nil, fmt.Errorf("query vector dimension mismatch: got %d want %d", len(query), s.dimension)
	}
	if k <= 0 {
		return []IndexMatch{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]IndexMatch, 0, len(s.items))
	for id, ent := range s.items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !matchesFilter(ent.metadata, filter) {
			continue
		}
		results = append(results, IndexMatch{
			ID:       id,
			Score:    CosineSimilarity(query, ent.vector),
			Metadata: cloneMetadata(ent.metadata),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Delete removes a vector. Deleting an unknown id is a no-op.
func (s *InMemoryIndex) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// Exists reports whether a vector is stored for id.
func (s *InMemoryIndex) Exists(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok, nil
}

// Size returns the number of stored vectors.
func (s *InMemoryIndex) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// CosineSimilarity returns the cosine similarity of two vectors, or 0 when
// they differ in length or either has zero norm.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func matchesFilter(metadata, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
