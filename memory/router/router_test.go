package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow-ai/memflow/internal/database"
	"github.com/memflow-ai/memflow/memory/decay"
	"github.com/memflow-ai/memflow/memory/provider"
	"github.com/memflow-ai/memflow/memory/search"
	"github.com/memflow-ai/memflow/memory/session"
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

type fixture struct {
	store   *store.Store
	index   *provider.InMemoryIndex
	engine  *search.Engine
	tracker *session.MemoryTracker
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

	return &fixture{
		store:   s,
		index:   index,
		engine:  search.NewEngine(s, embedder, index, search.Config{}, zap.NewNop()),
		tracker: session.NewMemoryTracker(session.Config{}),
	}
}

func (f *fixture) write(t *testing.T, rec *types.MemoryRecord) int64 {
	t.Helper()
	rec.Namespace = "agent-a"
	id, err := f.store.Write(context.Background(), rec)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ok, _ := f.index.Exists(context.Background(), id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return id
}

func TestWeightsFor(t *testing.T) {
	t.Parallel()

	scenes := []Scene{
		SceneTask, SceneChat, SceneFirstInteraction, SceneRecall,
		SceneLearning, SceneProblemSolving, SceneCreative,
	}
	for _, scene := range scenes {
		w := WeightsFor(scene)
		require.InDelta(t, 1.0, w.Importance+w.Time+w.Relevance, 1e-9, "scene %s", scene)
	}

	require.Equal(t, WeightsFor(SceneChat), WeightsFor("made_up_scene"))
}

func TestRouter_RouteScoresAndSorts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.write(t, &types.MemoryRecord{Content: "user prefers green tea", ImportanceScore: 0.8})
	f.write(t, &types.MemoryRecord{Content: "tea is stocked in the pantry", ImportanceScore: 0.4})

	r := New(f.store, f.engine, decay.NewCalculator(nil), nil, nil, nil, Config{}, zap.NewNop())
	result, err := r.Route(ctx, "agent-a", "green tea", "", SceneChat, Options{})
	require.NoError(t, err)
	require.False(t, result.Fallback)
	require.NotEmpty(t, result.Memories)
	require.Equal(t, WeightsFor(SceneChat), result.Weights)
	require.Contains(t, result.Rules, "scene:chat")

	for i := 1; i < len(result.Memories); i++ {
		require.GreaterOrEqual(t, result.Memories[i-1].FinalScore, result.Memories[i].FinalScore)
	}
	for _, m := range result.Memories {
		require.NotEmpty(t, m.Reason)
		require.NotEmpty(t, m.Source)
	}
}

func TestRouter_SessionRecordsBypassFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// A year from now this low-importance memory decays well below
	// every score threshold.
	id := f.write(t, &types.MemoryRecord{Content: "ephemeral aside about socks", ImportanceScore: 0.2})
	require.NoError(t, f.tracker.Touch(ctx, "sess-1", id))

	future := func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }
	r := New(f.store, f.engine, decay.NewCalculator(future), f.tracker, nil, nil, Config{}, zap.NewNop())

	result, err := r.Route(ctx, "agent-a", "quarterly revenue targets", "sess-1", SceneChat, Options{})
	require.NoError(t, err)
	require.Contains(t, result.Rules, "session_recall")

	var found *ScoredMemory
	for i := range result.Memories {
		if result.Memories[i].Record.ID == id {
			found = &result.Memories[i]
		}
	}
	require.NotNil(t, found)
	require.Equal(t, ReasonSession, found.Reason)
	require.Equal(t, "session", found.Source)
}

func TestRouter_PermanentSurvivesDecayFiltering(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	keeper := f.write(t, &types.MemoryRecord{Content: "tea allergy, severe", ImportanceScore: 0.97})
	f.write(t, &types.MemoryRecord{Content: "tea spilled on the rug once", ImportanceScore: 0.2})

	future := func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }
	r := New(f.store, f.engine, decay.NewCalculator(future), nil, nil, nil, Config{}, zap.NewNop())

	result, err := r.Route(ctx, "agent-a", "tea", "", SceneChat, Options{})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, keeper, result.Memories[0].Record.ID)
	require.Equal(t, ReasonPermanent, result.Memories[0].Reason)
}

func TestRouter_TaskSceneSortsByRelevance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// High importance, match buried at the end of the content.
	weak := f.write(t, &types.MemoryRecord{Content: "the deploy checklist is pinned in the channel and mentions integration tests last", ImportanceScore: 0.9})
	// Low importance, match right at the front.
	strong := f.write(t, &types.MemoryRecord{Content: "integration tests must run before deploying", ImportanceScore: 0.5})

	r := New(f.store, f.engine, decay.NewCalculator(nil), nil, nil, nil, Config{}, zap.NewNop())
	result, err := r.Route(ctx, "agent-a", "integration tests", "", SceneTask, Options{})
	require.NoError(t, err)
	require.Contains(t, result.Rules, "task_relevance_order")
	require.GreaterOrEqual(t, len(result.Memories), 2)
	require.Equal(t, strong, result.Memories[0].Record.ID)

	ids := []int64{result.Memories[0].Record.ID, result.Memories[1].Record.ID}
	require.Contains(t, ids, weak)
}

func TestRouter_FirstInteractionBoost(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.write(t, &types.MemoryRecord{Content: "user introduced themselves as a violinist", ImportanceScore: 0.6})

	r := New(f.store, f.engine, decay.NewCalculator(nil), nil, nil, nil, Config{}, zap.NewNop())
	result, err := r.Route(ctx, "agent-a", "user introduced themselves", "", SceneFirstInteraction, Options{})
	require.NoError(t, err)
	require.Contains(t, result.Rules, "first_interaction_boost")
	for _, m := range result.Memories {
		require.LessOrEqual(t, m.FinalScore, 1.0)
	}
}

func TestRouter_DegradesWithoutEngine(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	id := f.write(t, &types.MemoryRecord{Content: "kept alive by the session", ImportanceScore: 0.5})
	require.NoError(t, f.tracker.Touch(ctx, "sess-1", id))

	r := New(f.store, nil, decay.NewCalculator(nil), f.tracker, nil, nil, Config{}, zap.NewNop())
	result, err := r.Route(ctx, "agent-a", "anything", "sess-1", SceneChat, Options{})
	require.NoError(t, err)
	require.True(t, result.Fallback)
	require.Contains(t, result.Rules, "keyword_fallback")
	require.Len(t, result.Memories, 1)
	require.Equal(t, id, result.Memories[0].Record.ID)
}

func TestRouter_TruncatesToLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		f.write(t, &types.MemoryRecord{
			Content:         fmt.Sprintf("standup note %d: tea supplies dwindling", i),
			ImportanceScore: 0.8,
		})
	}

	r := New(f.store, f.engine, decay.NewCalculator(nil), nil, nil, nil, Config{}, zap.NewNop())
	result, err := r.Route(ctx, "agent-a", "tea supplies", "", SceneChat, Options{})
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Memories), DefaultMaxMemories)

	// An explicit smaller limit wins.
	result, err = r.Route(ctx, "agent-a", "tea supplies", "", SceneChat, Options{Limit: 3})
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Memories), 3)
}

func TestRouter_OptionsFilterKindAndTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	keep := f.write(t, &types.MemoryRecord{
		Content:         "tea ceremony scheduled for friday",
		Kind:            types.MemoryShortTerm,
		ImportanceScore: 0.8,
		Tags:            []string{"schedule"},
	})
	f.write(t, &types.MemoryRecord{
		Content:         "tea ceremony history notes",
		Kind:            types.MemoryLongTerm,
		ImportanceScore: 0.8,
	})

	r := New(f.store, f.engine, decay.NewCalculator(nil), nil, nil, nil, Config{}, zap.NewNop())
	result, err := r.Route(ctx, "agent-a", "tea ceremony", "", SceneChat, Options{
		Kind: types.MemoryShortTerm,
		Tags: []string{"schedule"},
	})
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, keep, result.Memories[0].Record.ID)
}

func TestRouter_RemembersRoutedMemories(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.write(t, &types.MemoryRecord{Content: "tea order arrives tuesday", ImportanceScore: 0.8})

	r := New(f.store, f.engine, decay.NewCalculator(nil), f.tracker, nil, nil, Config{}, zap.NewNop())
	result, err := r.Route(ctx, "agent-a", "tea order", "sess-9", SceneChat, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)

	recent, err := f.tracker.Recent(ctx, "sess-9", 10)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	require.Equal(t, result.Memories[0].Record.ID, recent[0])
}
