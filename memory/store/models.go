package store

import (
	"encoding/json"
	"time"

	"github.com/memflow-ai/memflow/types"
)

// Rows keep tags, metadata, and decay params as JSON text columns; all
// (de)serialization happens here at the storage boundary and nowhere else.

type memoryRow struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	Namespace         string `gorm:"size:64;index:idx_memories_ns_deleted,priority:1"`
	Content           string
	Kind              string `gorm:"size:16"`
	ImportanceLevel   int
	ImportanceScore   float64
	DecayModel        string `gorm:"size:16"`
	DecayParams       string
	ReactivationCount int
	EmotionScore      float64
	Permanent         bool `gorm:"index"`
	Tags              string
	Metadata          string
	ArchiveLevel      int
	ArchivedAt        *time.Time
	IsDeleted         bool `gorm:"index:idx_memories_ns_deleted,priority:2"`
	DeletedAt         *time.Time
	MergedInto        *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (memoryRow) TableName() string { return "memories" }

type archiveRow struct {
	ID               string `gorm:"primaryKey;size:36"`
	Namespace        string `gorm:"size:64;index:idx_archives_ns_level,priority:1"`
	OriginalMemoryID int64  `gorm:"index"`
	ArchiveLevel     int    `gorm:"index:idx_archives_ns_level,priority:2"`
	CompressedLen    int
	OriginalLen      int
	CompressionRatio float64
	CompressedBy     string `gorm:"size:32"`
	Compressed       bool
	Content          string
	OriginalContent  string
	Metadata         string
	ArchivedAt       time.Time
	RestoredAt       *time.Time
	AccessCount      int
}

func (archiveRow) TableName() string { return "archive_records" }

type mergeRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Namespace   string `gorm:"size:64;index"`
	CanonicalID int64
	MergedIDs   string
	Strategy    string `gorm:"size:16"`
	MergedAt    time.Time
}

func (mergeRow) TableName() string { return "merge_records" }

type similarityRow struct {
	Namespace   string `gorm:"primaryKey;size:64"`
	IDA         int64  `gorm:"primaryKey"`
	IDB         int64  `gorm:"primaryKey"`
	Score       float64
	IsDuplicate bool `gorm:"index"`
	CheckedAt   time.Time
}

func (similarityRow) TableName() string { return "similarity_records" }

type auditRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Namespace string `gorm:"size:64;index"`
	Operation string `gorm:"size:32"`
	RecordID  int64
	Actor     string `gorm:"size:64"`
	Details   string
	Timestamp time.Time
}

func (auditRow) TableName() string { return "audit_logs" }

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}

func unmarshalMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func unmarshalDecayParams(s string) types.DecayParams {
	if s == "" {
		return types.DecayParams{}
	}
	var p types.DecayParams
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return types.DecayParams{}
	}
	return p
}

func unmarshalIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil
	}
	return ids
}

func rowFromRecord(rec *types.MemoryRecord) memoryRow {
	return memoryRow{
		ID:                rec.ID,
		Namespace:         rec.Namespace,
		Content:           rec.Content,
		Kind:              string(rec.Kind),
		ImportanceLevel:   rec.ImportanceLevel,
		ImportanceScore:   rec.ImportanceScore,
		DecayModel:        string(rec.DecayModel),
		DecayParams:       marshalJSON(rec.DecayParams),
		ReactivationCount: rec.ReactivationCount,
		EmotionScore:      rec.EmotionScore,
		Permanent:         rec.Permanent,
		Tags:              marshalJSON(rec.Tags),
		Metadata:          marshalJSON(rec.Metadata),
		ArchiveLevel:      rec.ArchiveLevel,
		ArchivedAt:        rec.ArchivedAt,
		IsDeleted:         rec.IsDeleted,
		DeletedAt:         rec.DeletedAt,
		MergedInto:        rec.MergedInto,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func (r *memoryRow) toRecord() types.MemoryRecord {
	return types.MemoryRecord{
		ID:                r.ID,
		Namespace:         r.Namespace,
		Content:           r.Content,
		Kind:              types.MemoryKind(r.Kind),
		ImportanceLevel:   r.ImportanceLevel,
		ImportanceScore:   r.ImportanceScore,
		DecayModel:        types.DecayModel(r.DecayModel),
		DecayParams:       unmarshalDecayParams(r.DecayParams),
		ReactivationCount: r.ReactivationCount,
		EmotionScore:      r.EmotionScore,
		Permanent:         r.Permanent,
		Tags:              unmarshalTags(r.Tags),
		Metadata:          unmarshalMetadata(r.Metadata),
		ArchiveLevel:      r.ArchiveLevel,
		ArchivedAt:        r.ArchivedAt,
		IsDeleted:         r.IsDeleted,
		DeletedAt:         r.DeletedAt,
		MergedInto:        r.MergedInto,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (r *archiveRow) toRecord() types.ArchiveRecord {
	return types.ArchiveRecord{
		ID:               r.ID,
		Namespace:        r.Namespace,
		OriginalMemoryID: r.OriginalMemoryID,
		ArchiveLevel:     r.ArchiveLevel,
		CompressedLen:    r.CompressedLen,
		OriginalLen:      r.OriginalLen,
		CompressionRatio: r.CompressionRatio,
		CompressedBy:     r.CompressedBy,
		Compressed:       r.Compressed,
		Content:          r.Content,
		OriginalContent:  r.OriginalContent,
		Metadata:         unmarshalMetadata(r.Metadata),
		ArchivedAt:       r.ArchivedAt,
		RestoredAt:       r.RestoredAt,
		AccessCount:      r.AccessCount,
	}
}

func rowFromArchive(rec *types.ArchiveRecord) archiveRow {
	return archiveRow{
		ID:               rec.ID,
		Namespace:        rec.Namespace,
		OriginalMemoryID: rec.OriginalMemoryID,
		ArchiveLevel:     rec.ArchiveLevel,
		CompressedLen:    rec.CompressedLen,
		OriginalLen:      rec.OriginalLen,
		CompressionRatio: rec.CompressionRatio,
		CompressedBy:     rec.CompressedBy,
		Compressed:       rec.Compressed,
		Content:          rec.Content,
		OriginalContent:  rec.OriginalContent,
		Metadata:         marshalJSON(rec.Metadata),
		ArchivedAt:       rec.ArchivedAt,
		RestoredAt:       rec.RestoredAt,
		AccessCount:      rec.AccessCount,
	}
}
