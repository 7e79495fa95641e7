package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingEmbedder struct {
	calls    int
	deadline bool
}

func (r *recordingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	r.calls++
	_, r.deadline = ctx.Deadline()
	return []float64{float64(len(text))}, nil
}

func TestBoundedEmbedding_AppliesDeadline(t *testing.T) {
	t.Parallel()

	inner := &recordingEmbedder{}
	bounded := NewBoundedEmbedding(inner, 50*time.Millisecond)

	vec, err := bounded.Embed(context.Background(), "tea")
	require.NoError(t, err)
	require.Equal(t, []float64{3}, vec)
	require.True(t, inner.deadline, "inner call must carry a deadline")
}

func TestRateLimitedEmbedding_BurstThenWait(t *testing.T) {
	t.Parallel()

	inner := &recordingEmbedder{}
	limited := NewRateLimitedEmbedding(inner, 1000, 2)
	ctx := context.Background()

	// Burst tokens serve the first calls without delay.
	start := time.Now()
	for i := 0; i < 2; i++ {
		vec, err := limited.Embed(ctx, "tea")
		require.NoError(t, err)
		require.Equal(t, []float64{3}, vec)
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 2, inner.calls)
}

func TestRateLimitedEmbedding_CanceledContext(t *testing.T) {
	t.Parallel()

	inner := &recordingEmbedder{}
	// An empty bucket refilling once an hour forces the limiter to wait,
	// so the canceled context surfaces before the inner call.
	limited := NewRateLimitedEmbedding(inner, 1.0/3600, 1)

	ctx := context.Background()
	_, err := limited.Embed(ctx, "first")
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = limited.Embed(canceled, "second")
	require.Error(t, err)
	require.Equal(t, 1, inner.calls, "limited call must not reach the provider")
}

func TestRateLimitedEmbedding_BurstFloor(t *testing.T) {
	t.Parallel()

	inner := &recordingEmbedder{}
	limited := NewRateLimitedEmbedding(inner, 1000, 0)

	// A zero burst would deadlock every call; the constructor floors it.
	_, err := limited.Embed(context.Background(), "tea")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
}
