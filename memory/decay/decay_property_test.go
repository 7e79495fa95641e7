package decay

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/memflow-ai/memflow/types"
)

// For a fixed non-permanent record with zero reactivations, the time score
// never increases as time passes.
func TestProperty_MonotonicDecay(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		importance := rapid.Float64Range(0.05, 0.94).Draw(rt, "importance")
		model := rapid.SampledFrom([]types.DecayModel{
			types.DecayExponential,
			types.DecayEbbinghaus,
		}).Draw(rt, "model")

		created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		rec := &types.MemoryRecord{
			ImportanceScore: importance,
			DecayModel:      model,
			CreatedAt:       created,
		}

		calc := NewCalculator(func() time.Time { return created })

		d1 := rapid.Float64Range(0, 2000).Draw(rt, "days1")
		d2 := rapid.Float64Range(0, 2000).Draw(rt, "days2")
		if d2 < d1 {
			d1, d2 = d2, d1
		}

		t1 := created.Add(time.Duration(d1 * 24 * float64(time.Hour)))
		t2 := created.Add(time.Duration(d2 * 24 * float64(time.Hour)))

		s1 := calc.TimeScoreAt(rec, t1)
		s2 := calc.TimeScoreAt(rec, t2)

		if s2 > s1 {
			rt.Fatalf("score increased over time: score(%v)=%v > score(%v)=%v", d2, s2, d1, s1)
		}
		if s1 > importance || s1 < 0 || s2 < 0 {
			rt.Fatalf("score outside [0, importance]: s1=%v s2=%v importance=%v", s1, s2, importance)
		}
	})
}

// Reactivation only ever helps: the boosted score is never below the base
// (pre-boost) score and never leaves [0,1].
func TestProperty_ReactivationBoostBounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.Float64Range(0, 1).Draw(rt, "base")
		n := rapid.IntRange(0, 50).Draw(rt, "reactivations")
		emotion := rapid.Float64Range(-1, 1).Draw(rt, "emotion")

		boosted := ReactivationBoost(base, n, emotion)

		if boosted < 0 || boosted > 1 {
			rt.Fatalf("boosted score %v outside [0,1]", boosted)
		}
		if boosted < base-1e-12 {
			rt.Fatalf("boost lowered score: base=%v boosted=%v n=%d", base, boosted, n)
		}
	})
}
