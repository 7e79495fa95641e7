package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow-ai/memflow/internal/database"
	"github.com/memflow-ai/memflow/memory/provider"
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

type fixture struct {
	store    *store.Store
	embedder *provider.HashEmbedding
	index    *provider.InMemoryIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	embedder := provider.NewHashEmbedding(32)
	index := provider.NewInMemoryIndex(provider.InMemoryIndexConfig{}, zap.NewNop())
	s, err := store.New(pool, store.Config{Actor: "test"}, store.Options{
		Embedder: embedder,
		Index:    index,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return &fixture{store: s, embedder: embedder, index: index}
}

func (f *fixture) write(t *testing.T, namespace, content string) int64 {
	t.Helper()
	id, err := f.store.Write(context.Background(), &types.MemoryRecord{
		Namespace:       namespace,
		Content:         content,
		ImportanceScore: 0.6,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ok, _ := f.index.Exists(context.Background(), id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return id
}

func TestEngine_HybridRanksClosestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	want := f.write(t, "agent-a", "user prefers green tea in the morning")
	f.write(t, "agent-a", "the deployment pipeline is flaky on fridays")

	engine := NewEngine(f.store, f.embedder, f.index, Config{}, zap.NewNop())
	resp, err := engine.Search(ctx, "agent-a", "user prefers green tea in the morning", Options{})
	require.NoError(t, err)
	require.False(t, resp.Fallback)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, want, resp.Results[0].Record.ID)
	// The top hit matched both branches.
	require.Equal(t, SourceHybrid, resp.Results[0].Source)
}

func TestEngine_KeywordOnlyEntriesAreWeighted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Index the first record only; the second is keyword-reachable but
	// absent from the vector index.
	f.write(t, "agent-a", "green tea is the usual order")
	id2 := f.write(t, "agent-a", "green tea stock is low")
	require.NoError(t, f.index.Delete(ctx, id2))

	engine := NewEngine(f.store, f.embedder, f.index, Config{MinScore: 0.01}, zap.NewNop())
	resp, err := engine.Search(ctx, "agent-a", "green tea", Options{})
	require.NoError(t, err)
	require.False(t, resp.Fallback)

	var kwOnly *Result
	for i := range resp.Results {
		if resp.Results[i].Record.ID == id2 {
			kwOnly = &resp.Results[i]
		}
	}
	require.NotNil(t, kwOnly)
	require.Equal(t, SourceKeyword, kwOnly.Source)
	want := KeywordScore("green tea stock is low", "green tea") * DefaultKeywordWeight
	require.InDelta(t, want, kwOnly.Score, 1e-9)
}

func TestEngine_VectorOnlyEntriesAreWeighted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	const content = "green tea is the usual order"
	id := f.write(t, "agent-a", content)

	engine := NewEngine(f.store, f.embedder, f.index, Config{MinScore: 0.01}, zap.NewNop())

	// Token overlap reaches the vector branch, but the query is not a
	// substring of the content, so the keyword branch misses.
	const query = "usual green tea order"
	resp, err := engine.Search(ctx, "agent-a", query, Options{})
	require.NoError(t, err)
	require.False(t, resp.Fallback)
	require.Len(t, resp.Results, 1)
	require.Equal(t, id, resp.Results[0].Record.ID)
	require.Equal(t, SourceVector, resp.Results[0].Source)

	qv, err := f.embedder.Embed(ctx, query)
	require.NoError(t, err)
	cv, err := f.embedder.Embed(ctx, content)
	require.NoError(t, err)
	want := provider.CosineSimilarity(qv, cv) * DefaultVectorWeight
	require.InDelta(t, want, resp.Results[0].Score, 1e-9)
}

type brokenIndex struct{}

func (brokenIndex) Upsert(context.Context, int64, []float64, map[string]any) error {
	return errors.New("index down")
}
func (brokenIndex) Search(context.Context, []float64, int, map[string]any) ([]provider.IndexMatch, error) {
	return nil, errors.New("index down")
}
func (brokenIndex) Delete(context.Context, int64) error  { return errors.New("index down") }
func (brokenIndex) Exists(context.Context, int64) (bool, error) {
	return false, errors.New("index down")
}

func TestEngine_FallbackMatchesKeywordOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "agent-a", "kettle descaling is overdue")
	f.write(t, "agent-a", "the kettle whistles at full boil")

	broken := NewEngine(f.store, f.embedder, brokenIndex{}, Config{}, zap.NewNop())
	degraded, err := broken.Search(ctx, "agent-a", "kettle", Options{})
	require.NoError(t, err)
	require.True(t, degraded.Fallback)

	plain := NewEngine(f.store, nil, nil, Config{}, zap.NewNop())
	reference, err := plain.Search(ctx, "agent-a", "kettle", Options{})
	require.NoError(t, err)
	require.True(t, reference.Fallback)

	// A failing index degrades to exactly the keyword-only ranking.
	require.Equal(t, len(reference.Results), len(degraded.Results))
	for i := range reference.Results {
		require.Equal(t, reference.Results[i].Record.ID, degraded.Results[i].Record.ID)
		require.InDelta(t, reference.Results[i].Score, degraded.Results[i].Score, 1e-9)
		require.Equal(t, SourceKeyword, degraded.Results[i].Source)
	}
}

func TestEngine_MinScoreFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "agent-a", "espresso machine manual, chapter on descaling and water hardness, appendix mentions tea")

	engine := NewEngine(f.store, nil, nil, Config{}, zap.NewNop())

	resp, err := engine.Search(ctx, "agent-a", "tea", Options{MinScore: 0.99})
	require.NoError(t, err)
	require.Empty(t, resp.Results)

	resp, err = engine.Search(ctx, "agent-a", "tea", Options{MinScore: 0.05})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
}

func TestEngine_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	engine := NewEngine(f.store, nil, nil, Config{}, zap.NewNop())

	_, err := engine.Search(context.Background(), "agent-a", "   ", Options{})
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))

	_, err = engine.Search(context.Background(), "bad ns!", "tea", Options{})
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))
}

func TestKeywordScore(t *testing.T) {
	t.Parallel()

	// Match at the head caps at 1.0.
	require.Equal(t, 1.0, KeywordScore("abcde", "abc"))

	// Later matches score lower.
	require.InDelta(t, 1-3.0/5.0+0.1, KeywordScore("xyzde", "de"), 1e-9)

	// Case-insensitive.
	require.Equal(t, 1.0, KeywordScore("Tea time", "tea"))

	require.Zero(t, KeywordScore("abcde", "zz"))
	require.Zero(t, KeywordScore("", "a"))
	require.Zero(t, KeywordScore("abc", ""))
}
