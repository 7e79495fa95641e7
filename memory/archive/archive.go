// Package archive implements multi-level content compaction and
// duplicate-group merging.
//
// Content moves through five fixed levels, each tighter than the last.
// Compression uses the text-generation collaborator under a
// token budget derived from the level's target ratio; when the
// collaborator is absent or failing the original content is archived
// uncompressed. Archival never fails because a summarizer is down.
package archive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/memflow-ai/memflow/memory/provider"
	"github.com/memflow-ai/memflow/memory/store"
	"github.com/memflow-ai/memflow/types"
)

// Level describes one archive tier.
type Level struct {
	Level       int           `json:"level"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Ratio       float64       `json:"ratio"`
	MaxAge      time.Duration `json:"max_age"`
}

const day = 24 * time.Hour

// levels is the fixed tier table. Ratio is the target compressed size
// relative to the original content; MaxAge is how long content may sit
// at the tier before it is a candidate for the next one.
var levels = [5]Level{
	{Level: 0, Name: "active", Description: "full content, no compression", Ratio: 1.0, MaxAge: 365 * day},
	{Level: 1, Name: "condensed", Description: "lightly summarized", Ratio: 0.7, MaxAge: 730 * day},
	{Level: 2, Name: "compressed", Description: "key facts only", Ratio: 0.5, MaxAge: 1095 * day},
	{Level: 3, Name: "digest", Description: "short digest", Ratio: 0.25, MaxAge: 1825 * day},
	{Level: 4, Name: "deep", Description: "minimal trace", Ratio: 0.1, MaxAge: 3650 * day},
}

// Levels returns a copy of the tier table.
func Levels() []Level {
	out := make([]Level, len(levels))
	copy(out, levels[:])
	return out
}

// LevelFor returns the tier for a level number.
func LevelFor(level int) (Level, error) {
	if level < 0 || level >= len(levels) {
		return Level{}, types.NewValidationError(fmt.Sprintf("archive level must be 0-%d", len(levels)-1))
	}
	return levels[level], nil
}

// Merge strategies.
const (
	StrategySimple = "simple"
	StrategySmart  = "smart"
)

// Config tunes the manager.
type Config struct {
	// Encoding names the tiktoken encoding used for token budgets.
	// Default cl100k_base.
	Encoding string `json:"encoding" yaml:"encoding"`

	// MinTokenBudget floors the per-level summary budget so deep
	// levels still get a usable sentence. Default 32.
	MinTokenBudget int `json:"min_token_budget" yaml:"min_token_budget"`

	// ScanLimit caps one archive-of-archives pass. Default 500.
	ScanLimit int `json:"scan_limit" yaml:"scan_limit"`
}

// Manager performs archival and merging against one store.
type Manager struct {
	store   *store.Store
	textgen provider.TextGenerationProvider
	config  Config
	logger  *zap.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewManager creates an archive manager. The text-generation provider
// may be nil; archival then stores content uncompressed.
func NewManager(s *store.Store, textgen provider.TextGenerationProvider, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Encoding == "" {
		config.Encoding = "cl100k_base"
	}
	if config.MinTokenBudget <= 0 {
		config.MinTokenBudget = 32
	}
	if config.ScanLimit <= 0 {
		config.ScanLimit = 500
	}
	return &Manager{
		store:   s,
		textgen: textgen,
		config:  config,
		logger:  logger.With(zap.String("component", "archive_manager")),
	}
}

// ArchiveMemory compacts one memory to the target level and records an
// ArchiveRecord. With compress false the content is stored verbatim.
func (m *Manager) ArchiveMemory(ctx context.Context, namespace string, id int64, targetLevel int, compress bool) (*types.ArchiveRecord, error) {
	level, err := LevelFor(targetLevel)
	if err != nil {
		return nil, err
	}
	if targetLevel == 0 {
		return nil, types.NewValidationError("target level must be 1-4")
	}

	rec, err := m.store.Read(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	if rec.ArchiveLevel >= targetLevel {
		return nil, types.NewValidationError(fmt.Sprintf(
			"memory %d is already at level %d", id, rec.ArchiveLevel))
	}

	content := rec.Content
	compressedContent, compressedBy, didCompress := content, "none", false
	if compress {
		compressedContent, compressedBy, didCompress = m.compress(ctx, content, level)
	}

	archive := &types.ArchiveRecord{
		Namespace:        namespace,
		OriginalMemoryID: id,
		ArchiveLevel:     targetLevel,
		Content:          compressedContent,
		OriginalContent:  content,
		OriginalLen:      len(content),
		CompressedLen:    len(compressedContent),
		CompressionRatio: ratio(len(compressedContent), len(content)),
		CompressedBy:     compressedBy,
		Compressed:       didCompress,
		Metadata: map[string]any{
			"level_name": level.Name,
		},
	}
	if err := m.store.ApplyArchive(ctx, archive); err != nil {
		return nil, err
	}

	m.logger.Info("memory archived",
		zap.String("namespace", namespace),
		zap.Int64("memory_id", id),
		zap.Int("level", targetLevel),
		zap.Float64("ratio", archive.CompressionRatio))
	return archive, nil
}

// MergeDuplicates collapses two or more memories into the oldest one.
// The simple strategy keeps the canonical content verbatim; the smart
// strategy asks the collaborator for a merged narrative and falls back
// to simple when it is unavailable. The merge applies atomically.
func (m *Manager) MergeDuplicates(ctx context.Context, namespace string, ids []int64, strategy string) (*types.MergeResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) < 2 {
		return nil, types.NewValidationError("merge requires at least two distinct ids")
	}
	switch strategy {
	case StrategySimple, StrategySmart:
	case "":
		strategy = StrategySimple
	default:
		return nil, types.NewValidationError(fmt.Sprintf("unknown merge strategy %q", strategy))
	}

	records, err := m.store.GetMany(ctx, namespace, ids)
	if err != nil {
		return nil, err
	}
	if len(records) != len(ids) {
		return nil, types.NewNotFoundError(fmt.Sprintf(
			"merge needs %d records, found %d", len(ids), len(records)))
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	canonical := records[0]
	merged := make([]int64, 0, len(records)-1)
	for _, rec := range records[1:] {
		merged = append(merged, rec.ID)
	}

	content := canonical.Content
	appliedStrategy := strategy
	if strategy == StrategySmart {
		narrative, ok := m.mergeNarrative(ctx, records)
		if ok {
			content = narrative
		} else {
			appliedStrategy = StrategySimple
		}
	}

	tags := unionTags(records)

	mergeRec, err := m.store.ApplyMerge(ctx, namespace, canonical.ID, merged, content, tags, appliedStrategy)
	if err != nil {
		return nil, err
	}

	m.logger.Info("memories merged",
		zap.String("namespace", namespace),
		zap.Int64("canonical_id", canonical.ID),
		zap.Int64s("merged_ids", merged),
		zap.String("strategy", appliedStrategy))
	return &types.MergeResult{
		Success:       true,
		CanonicalID:   canonical.ID,
		MergedIDs:     merged,
		MergedContent: content,
		Strategy:      appliedStrategy,
		Metadata: map[string]any{
			"merge_record_id": mergeRec.ID,
			"tags":            tags,
		},
	}, nil
}

// ArchiveOfArchives re-compresses every archive record sitting at
// targetLevel-1 into a new record at targetLevel. The source memory
// advances to the target level just like the single-memory path, so
// repeated compaction skips already-promoted members. The reported
// ratio is cumulative, measured against the original content length
// rather than the intermediate level.
func (m *Manager) ArchiveOfArchives(ctx context.Context, namespace string, targetLevel int) ([]types.ArchiveRecord, error) {
	level, err := LevelFor(targetLevel)
	if err != nil {
		return nil, err
	}
	if targetLevel < 1 {
		return nil, types.NewValidationError("target level must be 1-4")
	}

	sources, err := m.store.ListArchiveRecords(ctx, namespace, targetLevel-1, m.config.ScanLimit, 0)
	if err != nil {
		return nil, err
	}

	var created []types.ArchiveRecord
	for i := range sources {
		src := &sources[i]

		mem, err := m.store.ReadAny(ctx, namespace, src.OriginalMemoryID)
		if err != nil && !types.IsErrorCode(err, types.ErrNotFound) {
			return created, err
		}
		if mem != nil && mem.ArchiveLevel >= targetLevel {
			continue
		}

		compressed, compressedBy, didCompress := m.compress(ctx, src.Content, level)

		next := types.ArchiveRecord{
			Namespace:        namespace,
			OriginalMemoryID: src.OriginalMemoryID,
			ArchiveLevel:     targetLevel,
			Content:          compressed,
			OriginalContent:  src.OriginalContent,
			OriginalLen:      src.OriginalLen,
			CompressedLen:    len(compressed),
			CompressionRatio: ratio(len(compressed), src.OriginalLen),
			CompressedBy:     compressedBy,
			Compressed:       didCompress,
			Metadata: map[string]any{
				"level_name":  level.Name,
				"previous_id": src.ID,
			},
		}
		if mem == nil {
			// The memory was purged since archival; the archive chain
			// continues without a row to promote.
			err = m.store.SaveArchiveRecord(ctx, &next)
		} else {
			err = m.store.ApplyArchive(ctx, &next)
		}
		if err != nil {
			return created, err
		}
		created = append(created, next)
	}

	m.logger.Info("archive level compacted",
		zap.String("namespace", namespace),
		zap.Int("level", targetLevel),
		zap.Int("records", len(created)))
	return created, nil
}

// RestoreArchive marks an archive record accessed and writes the
// original content back into the source memory when it still exists.
func (m *Manager) RestoreArchive(ctx context.Context, namespace, archiveID string) (*types.ArchiveRecord, error) {
	rec, err := m.store.GetArchiveRecord(ctx, namespace, archiveID)
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkArchiveRestored(ctx, namespace, archiveID); err != nil {
		return nil, err
	}

	if rec.OriginalContent != "" {
		content := rec.OriginalContent
		if _, err := m.store.Update(ctx, namespace, rec.OriginalMemoryID, store.UpdateFields{Content: &content}); err != nil {
			// The memory may have been purged since archival; the
			// archive record itself still serves the content.
			m.logger.Warn("restore could not update source memory",
				zap.String("namespace", namespace),
				zap.Int64("memory_id", rec.OriginalMemoryID),
				zap.Error(err))
		}
	}
	return m.store.GetArchiveRecord(ctx, namespace, archiveID)
}

// Stats aggregates archive activity for one namespace.
func (m *Manager) Stats(ctx context.Context, namespace string) (*types.ArchiveStats, error) {
	byLevel, err := m.store.CountByArchiveLevel(ctx, namespace)
	if err != nil {
		return nil, err
	}
	for i := range levels {
		if _, ok := byLevel[i]; !ok {
			byLevel[i] = 0
		}
	}
	merges, err := m.store.CountMergeRecords(ctx, namespace)
	if err != nil {
		return nil, err
	}
	duplicates, err := m.store.CountDuplicatePairs(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return &types.ArchiveStats{
		CountByLevel:   byLevel,
		MergeCount:     merges,
		DuplicateCount: duplicates,
	}, nil
}

// compress summarizes content under the level's token budget. On any
// collaborator problem the original content comes back unmodified.
func (m *Manager) compress(ctx context.Context, content string, level Level) (string, string, bool) {
	if m.textgen == nil || strings.TrimSpace(content) == "" {
		return content, "none", false
	}

	budget := m.tokenBudget(content, level.Ratio)
	prompt := fmt.Sprintf(
		"Compress the following memory into at most %d tokens. Keep concrete facts, names, and preferences; drop filler.\n\n%s",
		budget, content)

	summary, err := m.textgen.Complete(ctx, prompt, budget)
	if err != nil {
		m.logger.Warn("summarizer unavailable, archiving uncompressed",
			zap.Int("level", level.Level),
			zap.Error(err))
		return content, "none", false
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || len(summary) >= len(content) {
		return content, "none", false
	}
	return summary, "llm", true
}

// mergeNarrative asks the collaborator to fold all member contents into
// one coherent text. Returns ok=false when unavailable.
func (m *Manager) mergeNarrative(ctx context.Context, records []types.MemoryRecord) (string, bool) {
	if m.textgen == nil {
		return "", false
	}

	var b strings.Builder
	b.WriteString("Merge the following memory fragments into one coherent memory. Keep every distinct fact once; do not invent new ones.\n")
	total := 0
	for i, rec := range records {
		fmt.Fprintf(&b, "\n%d. %s", i+1, rec.Content)
		total += m.countTokens(rec.Content)
	}

	budget := total
	if budget < m.config.MinTokenBudget {
		budget = m.config.MinTokenBudget
	}
	narrative, err := m.textgen.Complete(ctx, b.String(), budget)
	if err != nil {
		m.logger.Warn("merge narrative unavailable, keeping canonical content", zap.Error(err))
		return "", false
	}
	narrative = strings.TrimSpace(narrative)
	if narrative == "" {
		return "", false
	}
	return narrative, true
}

func (m *Manager) tokenBudget(content string, levelRatio float64) int {
	budget := int(float64(m.countTokens(content)) * levelRatio)
	if budget < m.config.MinTokenBudget {
		budget = m.config.MinTokenBudget
	}
	return budget
}

// countTokens falls back to a bytes/4 estimate when the encoding
// cannot be loaded.
func (m *Manager) countTokens(text string) int {
	m.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(m.config.Encoding)
		if err != nil {
			m.logger.Warn("token encoding unavailable, estimating",
				zap.String("encoding", m.config.Encoding),
				zap.Error(err))
			return
		}
		m.enc = enc
	})
	if m.enc == nil {
		return len(text)/4 + 1
	}
	return len(m.enc.Encode(text, nil, nil))
}

func ratio(compressed, original int) float64 {
	if original <= 0 {
		return 1.0
	}
	return float64(compressed) / float64(original)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func unionTags(records []types.MemoryRecord) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, rec := range records {
		for _, tag := range rec.Tags {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}
