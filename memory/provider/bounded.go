package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// BoundedEmbedding wraps an EmbeddingProvider with a per-call timeout.
type BoundedEmbedding struct {
	inner   EmbeddingProvider
	timeout time.Duration
}

// NewBoundedEmbedding bounds every Embed call by timeout (DefaultTimeout
// when zero).
func NewBoundedEmbedding(inner EmbeddingProvider, timeout time.Duration) *BoundedEmbedding {
	return &BoundedEmbedding{inner: inner, timeout: callTimeout(timeout)}
}

// Embed implements EmbeddingProvider.
func (b *BoundedEmbedding) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Embed(ctx, text)
}

// BoundedTextGeneration wraps a TextGenerationProvider with a per-call
// timeout.
type BoundedTextGeneration struct {
	inner   TextGenerationProvider
	timeout time.Duration
}

// NewBoundedTextGeneration bounds every Complete call by timeout.
func NewBoundedTextGeneration(inner TextGenerationProvider, timeout time.Duration) *BoundedTextGeneration {
	return &BoundedTextGeneration{inner: inner, timeout: callTimeout(timeout)}
}

// Complete implements TextGenerationProvider.
func (b *BoundedTextGeneration) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Complete(ctx, prompt, maxTokens)
}

// BoundedVectorIndex wraps a VectorIndex with a per-call timeout.
type BoundedVectorIndex struct {
	inner   VectorIndex
	timeout time.Duration
}

// NewBoundedVectorIndex bounds every index call by timeout.
func NewBoundedVectorIndex(inner VectorIndex, timeout time.Duration) *BoundedVectorIndex {
	return &BoundedVectorIndex{inner: inner, timeout: callTimeout(timeout)}
}

// Upsert implements VectorIndex.
func (b *BoundedVectorIndex) Upsert(ctx context.Context, id int64, vector []float64, metadata map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Upsert(ctx, id, vector, metadata)
}

// Search implements VectorIndex.
func (b *BoundedVectorIndex) Search(ctx context.Context, vector []float64, k int, filter map[string]any) ([]IndexMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Search(ctx, vector, k, filter)
}

// Delete implements VectorIndex.
func (b *BoundedVectorIndex) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Delete(ctx, id)
}

// Exists implements VectorIndex.
func (b *BoundedVectorIndex) Exists(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Exists(ctx, id)
}

// RateLimitedEmbedding throttles Embed calls with a token bucket so bulk
// jobs (dedup batches, index rebuilds) cannot saturate the upstream
// embedding service.
type RateLimitedEmbedding struct {
	inner   EmbeddingProvider
	limiter *rate.Limiter
}

// NewRateLimitedEmbedding allows rps calls per second with the given burst.
func NewRateLimitedEmbedding(inner EmbeddingProvider, rps float64, burst int) *RateLimitedEmbedding {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedEmbedding{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Embed waits for a rate-limit slot, then delegates.
func (r *RateLimitedEmbedding) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, text)
}
