package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedding is a deterministic, dependency-free EmbeddingProvider.
// Identical texts always produce identical vectors and token overlap pushes
// vectors closer together, which is enough for tests and offline runs where
// no real embedding collaborator is configured.
type HashEmbedding struct {
	dimension int
}

// NewHashEmbedding creates a hash-based embedder. Dimension defaults to 64.
func NewHashEmbedding(dimension int) *HashEmbedding {
	if dimension <= 0 {
		dimension = 64
	}
	return &HashEmbedding{dimension: dimension}
}

// Dimension returns the vector dimension.
func (h *HashEmbedding) Dimension() int { return h.dimension }

// Embed hashes each whitespace token into a bucket and L2-normalizes the
// resulting histogram.
func (h *HashEmbedding) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, h.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		hasher := fnv.New64a()
		hasher.Write([]byte(token))
		sum := hasher.Sum64()
		bucket := int(sum % uint64(h.dimension))
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1.0
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}
