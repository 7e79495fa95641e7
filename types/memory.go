package types

import "time"

// MemoryKind classifies a memory by intended lifetime.
type MemoryKind string

const (
	// MemoryShortTerm holds recent conversational context.
	MemoryShortTerm MemoryKind = "short_term"

	// MemoryLongTerm holds durable, decaying knowledge.
	MemoryLongTerm MemoryKind = "long_term"

	// MemoryPermanent never decays; its importance score is pinned to 1.0.
	MemoryPermanent MemoryKind = "permanent"
)

// DecayModel selects how a memory's time score falls off.
type DecayModel string

const (
	// DecayZero applies no decay; the time score is always 1.0.
	DecayZero DecayModel = "zero"

	// DecayExponential is the default double-exponential model.
	DecayExponential DecayModel = "exponential"

	// DecayEbbinghaus follows the Ebbinghaus forgetting-curve shape.
	DecayEbbinghaus DecayModel = "ebbinghaus"
)

// DecayParams holds the model-specific coefficients.
// Alpha/Lambda1/Lambda2 drive the exponential model; HalfLifeDays (T50)
// and Exponent (k) drive the ebbinghaus model.
type DecayParams struct {
	Alpha        float64 `json:"alpha,omitempty"`
	Lambda1      float64 `json:"lambda1,omitempty"`
	Lambda2      float64 `json:"lambda2,omitempty"`
	HalfLifeDays float64 `json:"half_life_days,omitempty"`
	Exponent     float64 `json:"exponent,omitempty"`
}

// MemoryRecord is a stored memory unit.
//
// IDs are namespace-unique integers assigned by the store. A namespace is
// the agent/workspace isolation boundary: records never leak across it.
type MemoryRecord struct {
	ID        int64  `json:"id"`
	Namespace string `json:"namespace"`
	Content   string `json:"content"`

	Kind MemoryKind `json:"kind"`

	// ImportanceLevel is the user-facing 1-5 level; ImportanceScore is the
	// derived [0,1] score the decay engine works with.
	ImportanceLevel int     `json:"importance_level"`
	ImportanceScore float64 `json:"importance_score"`

	DecayModel  DecayModel  `json:"decay_model"`
	DecayParams DecayParams `json:"decay_params"`

	ReactivationCount int     `json:"reactivation_count"`
	EmotionScore      float64 `json:"emotion_score"`

	// Permanent pins the importance score to 1.0 and forces DecayZero.
	Permanent bool `json:"permanent"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// ArchiveLevel is the current compaction tier (0 = active).
	ArchiveLevel int        `json:"archive_level"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`

	IsDeleted  bool       `json:"is_deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	MergedInto *int64     `json:"merged_into,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the record carries the given tag.
func (m *MemoryRecord) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ImportanceScoreForLevel maps the user-facing 1-5 level onto [0,1].
// Level 5 maps to 1.0 and is treated as permanent by the decay engine.
func ImportanceScoreForLevel(level int) float64 {
	switch {
	case level <= 1:
		return 0.2
	case level >= 5:
		return 1.0
	default:
		return float64(level) * 0.2
	}
}

// ArchiveRecord captures one compaction step of a memory's content.
// A memory may accumulate a chain of archive records across levels.
type ArchiveRecord struct {
	ID               string         `json:"id"`
	Namespace        string         `json:"namespace"`
	OriginalMemoryID int64          `json:"original_memory_id"`
	ArchiveLevel     int            `json:"archive_level"`
	CompressedLen    int            `json:"compressed_len"`
	OriginalLen      int            `json:"original_len"`
	CompressionRatio float64        `json:"compression_ratio"`
	CompressedBy     string         `json:"compressed_by"`
	Compressed       bool           `json:"compressed"`
	Content          string         `json:"content"`
	OriginalContent  string         `json:"original_content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ArchivedAt       time.Time      `json:"archived_at"`
	RestoredAt       *time.Time     `json:"restored_at,omitempty"`
	AccessCount      int            `json:"access_count"`
}

// DuplicateGroup is a connected set of memories judged similar enough to
// merge. Canonical is always the earliest-created member.
type DuplicateGroup struct {
	GroupID     string  `json:"group_id"`
	Namespace   string  `json:"namespace"`
	MemberIDs   []int64 `json:"member_ids"`
	CanonicalID int64   `json:"canonical_id"`

	// PairSimilarity maps "minID:maxID" to the cosine similarity of the pair.
	PairSimilarity map[string]float64 `json:"pair_similarity,omitempty"`

	Merged     bool   `json:"merged"`
	MergedInto *int64 `json:"merged_into,omitempty"`
}

// SimilarityRecord is a cached pairwise comparison. IDA < IDB always.
type SimilarityRecord struct {
	Namespace   string    `json:"namespace"`
	IDA         int64     `json:"id_a"`
	IDB         int64     `json:"id_b"`
	Score       float64   `json:"score"`
	IsDuplicate bool      `json:"is_duplicate"`
	CheckedAt   time.Time `json:"checked_at"`
}

// MergeRecord is the audit entry left behind by a merge operation.
type MergeRecord struct {
	ID          string    `json:"id"`
	Namespace   string    `json:"namespace"`
	CanonicalID int64     `json:"canonical_id"`
	MergedIDs   []int64   `json:"merged_ids"`
	Strategy    string    `json:"strategy"`
	MergedAt    time.Time `json:"merged_at"`
}

// AuditEntry records one mutating store operation, append-only.
type AuditEntry struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Operation string    `json:"operation"`
	RecordID  int64     `json:"record_id"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeResult is returned by a merge operation.
type MergeResult struct {
	Success       bool           `json:"success"`
	CanonicalID   int64          `json:"canonical_id"`
	MergedIDs     []int64        `json:"merged_ids"`
	MergedContent string         `json:"merged_content"`
	Strategy      string         `json:"strategy"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ArchiveStats aggregates archive activity per level.
type ArchiveStats struct {
	CountByLevel   map[int]int64 `json:"count_by_level"`
	MergeCount     int64         `json:"merge_count"`
	DuplicateCount int64         `json:"duplicate_count"`
}

// DecayStatistics is the read-only report produced by the batch decay job.
// Decay itself is always computed fresh at read time; nothing here is ever
// written back into the records.
type DecayStatistics struct {
	Namespace       string             `json:"namespace,omitempty"`
	TotalRecords    int64              `json:"total_records"`
	PermanentCount  int64              `json:"permanent_count"`
	ByModel         map[string]int64   `json:"by_model"`
	ByBucket        map[string]int64   `json:"by_bucket"`
	AverageScore    float64            `json:"average_score"`
	AverageByBucket map[string]float64 `json:"average_by_bucket"`
	GeneratedAt     time.Time          `json:"generated_at"`
}
