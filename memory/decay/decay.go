// Package decay computes time-decayed relevance scores for memory records.
//
// All scoring is on-demand: a score is derived from the record's createdAt
// and the calculator's clock at read time, never materialized back into
// storage. This keeps importance reflecting "now" without a write on every
// read.
package decay

import (
	"math"
	"time"

	"github.com/memflow-ai/memflow/types"
)

// PermanentThreshold is the importance score at and above which a record
// never decays.
const PermanentThreshold = 0.95

// Bucket is one importance tier with its decay coefficients. Lower tiers
// decay faster.
type Bucket struct {
	Name      string
	Threshold float64
	Params    types.DecayParams
}

// buckets maps importance score ranges onto coefficient sets, highest
// first. Records at or above PermanentThreshold bypass the table entirely.
var buckets = []Bucket{
	{
		Name:      "critical",
		Threshold: 0.85,
		Params:    types.DecayParams{Alpha: 0.8, Lambda1: 0.05, Lambda2: 0.01, HalfLifeDays: 90, Exponent: 1.2},
	},
	{
		Name:      "high",
		Threshold: 0.70,
		Params:    types.DecayParams{Alpha: 0.7, Lambda1: 0.10, Lambda2: 0.02, HalfLifeDays: 60, Exponent: 1.2},
	},
	{
		Name:      "medium",
		Threshold: 0.50,
		Params:    types.DecayParams{Alpha: 0.6, Lambda1: 0.25, Lambda2: 0.04, HalfLifeDays: 30, Exponent: 1.3},
	},
	{
		Name:      "low",
		Threshold: 0.30,
		Params:    types.DecayParams{Alpha: 0.5, Lambda1: 0.50, Lambda2: 0.08, HalfLifeDays: 14, Exponent: 1.4},
	},
	{
		Name:      "ephemeral",
		Threshold: 0,
		Params:    types.DecayParams{Alpha: 0.4, Lambda1: 1.00, Lambda2: 0.15, HalfLifeDays: 7, Exponent: 1.5},
	},
}

// BucketFor returns the bucket for an importance score. Scores at or above
// PermanentThreshold report the "permanent" pseudo-bucket with zero decay.
func BucketFor(importance float64) Bucket {
	if importance >= PermanentThreshold {
		return Bucket{Name: "permanent", Threshold: PermanentThreshold}
	}
	for _, b := range buckets {
		if importance >= b.Threshold {
			return b
		}
	}
	return buckets[len(buckets)-1]
}

// ModelFor returns the decay model a record of the given importance should
// use when none was set explicitly.
func ModelFor(importance float64) types.DecayModel {
	if importance >= PermanentThreshold {
		return types.DecayZero
	}
	return types.DecayExponential
}

// ExponentialScore computes the double-exponential decay
//
//	importance * (alpha*e^(-lambda1*days) + (1-alpha)*e^(-lambda2*days))
//
// clamped to at most importance.
func ExponentialScore(importance float64, p types.DecayParams, elapsedDays float64) float64 {
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	fast := p.Alpha * math.Exp(-p.Lambda1*elapsedDays)
	slow := (1 - p.Alpha) * math.Exp(-p.Lambda2*elapsedDays)
	score := importance * (fast + slow)
	if score > importance {
		score = importance
	}
	return score
}

// EbbinghausScore computes importance * 1/(1+(days/T50)^k).
func EbbinghausScore(importance float64, p types.DecayParams, elapsedDays float64) float64 {
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	t50 := p.HalfLifeDays
	if t50 <= 0 {
		t50 = 30
	}
	k := p.Exponent
	if k <= 0 {
		k = 1.2
	}
	return importance / (1 + math.Pow(elapsedDays/t50, k))
}

// ReactivationBoost lifts a decayed score for a record that has been
// re-surfaced n times, with an additive bonus for emotional salience.
// Applied only when n > 0; the result is clamped to [0,1].
func ReactivationBoost(base float64, n int, emotionIntensity float64) float64 {
	if n <= 0 {
		return clamp01(base)
	}
	boosted := math.Min(1.0, base*(1+0.2*float64(n))+0.1)
	boosted += 0.05 * math.Abs(emotionIntensity)
	return clamp01(boosted)
}

// NetworkBoost adds an optional boost proportional to the square root of
// the number of still-active related memories, capped at 0.3.
func NetworkBoost(base float64, activeRelated int) float64 {
	if activeRelated <= 0 {
		return clamp01(base)
	}
	boost := math.Min(0.3, 0.1*math.Sqrt(float64(activeRelated)))
	return math.Min(1.0, base+boost)
}

// RelevanceScore combines semantic similarity, context score, and keyword
// match count into one [0,1] relevance signal.
func RelevanceScore(semanticSimilarity, contextScore float64, keywordMatches int) float64 {
	kw := math.Min(1.0, float64(keywordMatches)/5.0)
	return 0.6*semanticSimilarity + 0.3*contextScore + 0.1*kw
}

// Weights is a scene-selected composite weight triple. The three weights
// are expected to sum to 1.0.
type Weights struct {
	Importance float64 `json:"importance"`
	Time       float64 `json:"time"`
	Relevance  float64 `json:"relevance"`
}

// Calculator derives scores from records. It is stateless apart from an
// injectable clock.
type Calculator struct {
	now func() time.Time
}

// NewCalculator creates a Calculator. A nil now defaults to time.Now.
func NewCalculator(now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{now: now}
}

// TimeScore computes the record's current time-decayed score.
func (c *Calculator) TimeScore(rec *types.MemoryRecord) float64 {
	return c.TimeScoreAt(rec, c.now())
}

// TimeScoreAt computes the time-decayed score as of a given instant.
// Permanent records and records at or above the permanent threshold always
// score 1.0.
func (c *Calculator) TimeScoreAt(rec *types.MemoryRecord, now time.Time) float64 {
	if rec.Permanent || rec.ImportanceScore >= PermanentThreshold {
		return 1.0
	}

	elapsedDays := now.Sub(rec.CreatedAt).Hours() / 24.0
	params := rec.DecayParams
	if params == (types.DecayParams{}) {
		params = BucketFor(rec.ImportanceScore).Params
	}

	var base float64
	switch rec.DecayModel {
	case types.DecayZero:
		return 1.0
	case types.DecayEbbinghaus:
		base = EbbinghausScore(rec.ImportanceScore, params, elapsedDays)
	default:
		base = ExponentialScore(rec.ImportanceScore, params, elapsedDays)
	}

	return ReactivationBoost(base, rec.ReactivationCount, rec.EmotionScore)
}

// CompositeScore folds importance, time, and relevance into the final
// ranking score. Permanent records receive a flat 0.15 bonus, capped at 1.0.
func (c *Calculator) CompositeScore(rec *types.MemoryRecord, relevance float64, w Weights) float64 {
	timeScore := c.TimeScore(rec)
	final := rec.ImportanceScore*w.Importance + timeScore*w.Time + relevance*w.Relevance
	if rec.Permanent {
		final += 0.15
	}
	return clamp01(final)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
