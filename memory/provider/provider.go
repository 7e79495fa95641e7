// Package provider defines the collaborator contracts consumed by the
// memory core: embeddings, text generation, and the external vector index.
//
// Every collaborator is optional. Subsystems that depend on one must run,
// degraded, when it is absent or failing; provider errors are reported as
// types.ErrCollaboratorUnavailable and never propagate as operation
// failures.
package provider

import (
	"context"
	"time"
)

// EmbeddingProvider converts text into a dense vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// TextGenerationProvider produces a completion for a prompt within a
// bounded token budget.
type TextGenerationProvider interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// IndexMatch is one vector-index search hit.
type IndexMatch struct {
	ID       int64          `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorIndex is the vector-backed half of hybrid search.
type VectorIndex interface {
	Upsert(ctx context.Context, id int64, vector []float64, metadata map[string]any) error
	Search(ctx context.Context, vector []float64, k int, filter map[string]any) ([]IndexMatch, error)
	Delete(ctx context.Context, id int64) error
	Exists(ctx context.Context, id int64) (bool, error)
}

// DefaultTimeout bounds a single collaborator call. No collaborator call
// may block its caller indefinitely; after the timeout the caller proceeds
// with a degraded result.
const DefaultTimeout = 10 * time.Second

func callTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
