package archive

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
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

type stubGen struct {
	out        string
	err        error
	lastPrompt string
	lastBudget int
	calls      int
}

func (s *stubGen) Complete(_ context.Context, prompt string, maxTokens int) (string, error) {
	s.calls++
	s.lastPrompt = prompt
	s.lastBudget = maxTokens
	return s.out, s.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool, store.Config{Actor: "test"}, store.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func write(t *testing.T, s *store.Store, namespace, content string, tags ...string) int64 {
	t.Helper()
	id, err := s.Write(context.Background(), &types.MemoryRecord{
		Namespace:       namespace,
		Content:         content,
		ImportanceScore: 0.5,
		Tags:            tags,
	})
	require.NoError(t, err)
	return id
}

func TestLevels(t *testing.T) {
	t.Parallel()

	tiers := Levels()
	require.Len(t, tiers, 5)
	require.Equal(t, 1.0, tiers[0].Ratio)
	require.Equal(t, 365*day, tiers[0].MaxAge)
	require.Equal(t, 0.1, tiers[4].Ratio)
	require.Equal(t, 3650*day, tiers[4].MaxAge)

	// Each tier is tighter and retained longer than the previous.
	for i := 1; i < len(tiers); i++ {
		require.Less(t, tiers[i].Ratio, tiers[i-1].Ratio)
		require.Greater(t, tiers[i].MaxAge, tiers[i-1].MaxAge)
	}

	_, err := LevelFor(5)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))
	_, err = LevelFor(-1)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))
}

func TestManager_ArchiveMemoryCompressed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	content := "the user mentioned on three separate occasions that they prefer loose leaf green tea over bagged tea"
	id := write(t, s, "agent-a", content)

	gen := &stubGen{out: "user prefers loose leaf green tea"}
	mgr := NewManager(s, gen, Config{}, zap.NewNop())

	rec, err := mgr.ArchiveMemory(ctx, "agent-a", id, 2, true)
	require.NoError(t, err)
	require.True(t, rec.Compressed)
	require.Equal(t, "llm", rec.CompressedBy)
	require.Equal(t, "user prefers loose leaf green tea", rec.Content)
	require.Equal(t, content, rec.OriginalContent)
	require.Equal(t, len(content), rec.OriginalLen)
	require.InDelta(t, float64(rec.CompressedLen)/float64(rec.OriginalLen), rec.CompressionRatio, 1e-9)
	require.Positive(t, gen.lastBudget)

	mem, err := s.Read(ctx, "agent-a", id)
	require.NoError(t, err)
	require.Equal(t, 2, mem.ArchiveLevel)
	require.NotNil(t, mem.ArchivedAt)
}

func TestManager_ArchiveMemoryFallsBackUncompressed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id := write(t, s, "agent-a", "summarizer will not see this")
	mgr := NewManager(s, &stubGen{err: errors.New("model offline")}, Config{}, zap.NewNop())

	rec, err := mgr.ArchiveMemory(ctx, "agent-a", id, 1, true)
	require.NoError(t, err)
	require.False(t, rec.Compressed)
	require.Equal(t, "none", rec.CompressedBy)
	require.Equal(t, "summarizer will not see this", rec.Content)
	require.Equal(t, 1.0, rec.CompressionRatio)
}

func TestManager_ArchiveMemoryValidation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id := write(t, s, "agent-a", "validate me")
	mgr := NewManager(s, nil, Config{}, zap.NewNop())

	_, err := mgr.ArchiveMemory(ctx, "agent-a", id, 0, false)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))

	_, err = mgr.ArchiveMemory(ctx, "agent-a", id, 5, false)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))

	_, err = mgr.ArchiveMemory(ctx, "agent-a", 9999, 1, false)
	require.True(t, types.IsErrorCode(err, types.ErrNotFound))

	// Cannot re-archive at or below the current level.
	_, err = mgr.ArchiveMemory(ctx, "agent-a", id, 2, false)
	require.NoError(t, err)
	_, err = mgr.ArchiveMemory(ctx, "agent-a", id, 2, false)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))
	_, err = mgr.ArchiveMemory(ctx, "agent-a", id, 1, false)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))
}

func TestManager_MergeDuplicatesSimple(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first := write(t, s, "agent-a", "user prefers tea", "drinks")
	second := write(t, s, "agent-a", "user prefers tea!", "preferences")
	third := write(t, s, "agent-a", "user prefers tea.", "drinks", "morning")

	mgr := NewManager(s, nil, Config{}, zap.NewNop())
	result, err := mgr.MergeDuplicates(ctx, "agent-a", []int64{third, first, second}, StrategySimple)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, first, result.CanonicalID)
	require.ElementsMatch(t, []int64{second, third}, result.MergedIDs)
	require.Equal(t, "user prefers tea", result.MergedContent)
	require.Equal(t, StrategySimple, result.Strategy)

	canonical, err := s.Read(ctx, "agent-a", first)
	require.NoError(t, err)
	require.Equal(t, "user prefers tea", canonical.Content)
	require.Equal(t, []string{"drinks", "morning", "preferences"}, canonical.Tags)

	for _, id := range []int64{second, third} {
		rec, err := s.ReadAny(ctx, "agent-a", id)
		require.NoError(t, err)
		require.True(t, rec.IsDeleted)
		require.NotNil(t, rec.MergedInto)
		require.Equal(t, first, *rec.MergedInto)
	}
}

func TestManager_MergeDuplicatesSmart(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first := write(t, s, "agent-a", "user drinks tea at 8am")
	second := write(t, s, "agent-a", "user takes tea with no sugar")

	gen := &stubGen{out: "user drinks unsweetened tea at 8am"}
	mgr := NewManager(s, gen, Config{}, zap.NewNop())

	result, err := mgr.MergeDuplicates(ctx, "agent-a", []int64{first, second}, StrategySmart)
	require.NoError(t, err)
	require.Equal(t, StrategySmart, result.Strategy)
	require.Equal(t, "user drinks unsweetened tea at 8am", result.MergedContent)

	canonical, err := s.Read(ctx, "agent-a", first)
	require.NoError(t, err)
	require.Equal(t, "user drinks unsweetened tea at 8am", canonical.Content)
}

func TestManager_MergeDuplicatesSmartFallsBack(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first := write(t, s, "agent-a", "canonical text")
	second := write(t, s, "agent-a", "canonical text copy")

	mgr := NewManager(s, &stubGen{err: errors.New("model offline")}, Config{}, zap.NewNop())
	result, err := mgr.MergeDuplicates(ctx, "agent-a", []int64{first, second}, StrategySmart)
	require.NoError(t, err)
	require.Equal(t, StrategySimple, result.Strategy)
	require.Equal(t, "canonical text", result.MergedContent)
}

func TestManager_MergeDuplicatesValidation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id := write(t, s, "agent-a", "lonely record")
	mgr := NewManager(s, nil, Config{}, zap.NewNop())

	_, err := mgr.MergeDuplicates(ctx, "agent-a", []int64{id}, StrategySimple)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))

	_, err = mgr.MergeDuplicates(ctx, "agent-a", []int64{id, id}, StrategySimple)
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))

	_, err = mgr.MergeDuplicates(ctx, "agent-a", []int64{id, 9999}, StrategySimple)
	require.True(t, types.IsErrorCode(err, types.ErrNotFound))

	_, err = mgr.MergeDuplicates(ctx, "agent-a", []int64{id, id + 1}, "bogus")
	require.True(t, types.IsErrorCode(err, types.ErrValidationFailure))
}

func TestManager_ArchiveOfArchives(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	content := "a long recollection of the user's tea preferences across many seasons and moods"
	id := write(t, s, "agent-a", content)

	gen := &stubGen{out: "tea preferences over time"}
	mgr := NewManager(s, gen, Config{}, zap.NewNop())

	level1, err := mgr.ArchiveMemory(ctx, "agent-a", id, 1, false)
	require.NoError(t, err)

	created, err := mgr.ArchiveOfArchives(ctx, "agent-a", 2)
	require.NoError(t, err)
	require.Len(t, created, 1)

	next := created[0]
	require.Equal(t, 2, next.ArchiveLevel)
	require.Equal(t, id, next.OriginalMemoryID)
	require.Equal(t, "tea preferences over time", next.Content)
	require.Equal(t, content, next.OriginalContent)
	// The ratio is cumulative against the original content.
	require.Equal(t, len(content), next.OriginalLen)
	require.InDelta(t, float64(next.CompressedLen)/float64(len(content)), next.CompressionRatio, 1e-9)
	require.Equal(t, level1.ID, next.Metadata["previous_id"])

	// The source memory advances with its archive.
	mem, err := s.Read(ctx, "agent-a", id)
	require.NoError(t, err)
	require.Equal(t, 2, mem.ArchiveLevel)

	byLevel, err := s.CountByArchiveLevel(ctx, "agent-a")
	require.NoError(t, err)
	require.Zero(t, byLevel[1])
	require.Equal(t, int64(1), byLevel[2])

	// A repeated pass finds the member already promoted.
	created, err = mgr.ArchiveOfArchives(ctx, "agent-a", 2)
	require.NoError(t, err)
	require.Empty(t, created)

	// Nothing left at level 0 to compact into level 1.
	created, err = mgr.ArchiveOfArchives(ctx, "agent-a", 1)
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestManager_ArchiveOfArchivesPurgedSource(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id := write(t, s, "agent-a", "a memory that will be purged after archival")
	mgr := NewManager(s, nil, Config{}, zap.NewNop())

	_, err := mgr.ArchiveMemory(ctx, "agent-a", id, 1, false)
	require.NoError(t, err)

	ok, err := s.HardDelete(ctx, "agent-a", id)
	require.NoError(t, err)
	require.True(t, ok)

	// The archive chain still advances without a memory row.
	created, err := mgr.ArchiveOfArchives(ctx, "agent-a", 2)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, 2, created[0].ArchiveLevel)
}

func TestManager_RestoreArchive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id := write(t, s, "agent-a", "the full original story")
	gen := &stubGen{out: "story"}
	mgr := NewManager(s, gen, Config{}, zap.NewNop())

	arch, err := mgr.ArchiveMemory(ctx, "agent-a", id, 3, true)
	require.NoError(t, err)

	restored, err := mgr.RestoreArchive(ctx, "agent-a", arch.ID)
	require.NoError(t, err)
	require.NotNil(t, restored.RestoredAt)
	require.Equal(t, 1, restored.AccessCount)

	mem, err := s.Read(ctx, "agent-a", id)
	require.NoError(t, err)
	require.Equal(t, "the full original story", mem.Content)

	_, err = mgr.RestoreArchive(ctx, "agent-a", "missing-id")
	require.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestManager_Stats(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	a := write(t, s, "agent-a", "stat record one")
	b := write(t, s, "agent-a", "stat record one ")
	write(t, s, "agent-a", "stat record two")

	mgr := NewManager(s, nil, Config{}, zap.NewNop())

	_, err := mgr.ArchiveMemory(ctx, "agent-a", a, 1, false)
	require.NoError(t, err)

	_, err = mgr.MergeDuplicates(ctx, "agent-a", []int64{a, b}, StrategySimple)
	require.NoError(t, err)

	require.NoError(t, s.SaveSimilarity(ctx, &types.SimilarityRecord{
		Namespace: "agent-a", IDA: a, IDB: b, Score: 0.99, IsDuplicate: true, CheckedAt: time.Now(),
	}))

	stats, err := mgr.Stats(ctx, "agent-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.CountByLevel[1])
	require.Zero(t, stats.CountByLevel[4])
	require.Equal(t, int64(1), stats.MergeCount)
	require.Equal(t, int64(1), stats.DuplicateCount)
}
