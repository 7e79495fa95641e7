// Package store implements the persistent entity store for memory records,
// archive records, merge records, similarity records, and the append-only
// audit log.
//
// Every namespace (agent/workspace) is logically isolated: the namespace is
// a partition column inside fixed schemas and every query is scoped by it.
// Namespace identifiers are allow-listed; nothing is ever interpolated into
// table or column names.
//
// Mutations that change content trigger a best-effort re-sync of the
// external vector index off the critical path: the primary commit succeeds
// or fails independently, and sync failures are logged and swallowed.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memflow-ai/memflow/internal/database"
	"github.com/memflow-ai/memflow/memory/provider"
	"github.com/memflow-ai/memflow/types"
)

// namespaceRe allow-lists namespace identifiers.
var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// conflictRetries bounds internal retries on write conflicts before the
// error surfaces as a storage failure.
const conflictRetries = 3

// Config configures the entity store.
type Config struct {
	// SyncQueueSize bounds the async index-sync queue. Default 256.
	SyncQueueSize int `json:"sync_queue_size" yaml:"sync_queue_size"`

	// Actor is recorded on audit entries written by this process.
	Actor string `json:"actor" yaml:"actor"`
}

// Store is the gorm-backed entity store.
type Store struct {
	pool        *database.PoolManager
	embedder    provider.EmbeddingProvider
	index       provider.VectorIndex
	config      Config
	logger      *zap.Logger
	syncMetrics SyncMetrics

	syncCh     chan syncTask
	doneCh     chan struct{}
	syncMu     sync.Mutex
	syncClosed bool
	closeOnce  sync.Once
}

// SyncMetrics receives index-sync health counters. Optional.
type SyncMetrics interface {
	RecordIndexSyncDropped()
	RecordIndexSyncFailure()
}

// Options carries the optional collaborators.
type Options struct {
	// Embedder and Index drive the async vector-index sync. Both may be
	// nil; the store then skips sync entirely.
	Embedder provider.EmbeddingProvider
	Index    provider.VectorIndex
	Metrics  SyncMetrics
	Logger   *zap.Logger
}

// New creates a Store and runs AutoMigrate for its fixed schemas.
func New(pool *database.PoolManager, config Config, opts Options) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SyncQueueSize <= 0 {
		config.SyncQueueSize = 256
	}
	if config.Actor == "" {
		config.Actor = "memflow"
	}

	if err := pool.DB().AutoMigrate(
		&memoryRow{},
		&archiveRow{},
		&mergeRow{},
		&similarityRow{},
		&auditRow{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	s := &Store{
		pool:        pool,
		embedder:    opts.Embedder,
		index:       opts.Index,
		config:      config,
		logger:      logger.With(zap.String("component", "entity_store")),
		syncMetrics: opts.Metrics,
		syncCh:      make(chan syncTask, config.SyncQueueSize),
		doneCh:      make(chan struct{}),
	}

	go s.syncLoop()

	return s, nil
}

// Close stops the index-sync worker after draining queued tasks. Safe to
// call more than once, and concurrent enqueues are dropped rather than
// racing the channel close.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.syncMu.Lock()
		s.syncClosed = true
		close(s.syncCh)
		s.syncMu.Unlock()
		<-s.doneCh
	})
}

// ValidateNamespace rejects identifiers outside the allow-list.
func ValidateNamespace(namespace string) error {
	if !namespaceRe.MatchString(namespace) {
		return types.NewValidationError(fmt.Sprintf("invalid namespace %q", namespace))
	}
	return nil
}

// Write persists a new record and returns its assigned id. The permanence
// invariant is enforced here: permanent records get importance 1.0 and the
// zero decay model.
func (s *Store) Write(ctx context.Context, rec *types.MemoryRecord) (int64, error) {
	if err := ValidateNamespace(rec.Namespace); err != nil {
		return 0, err
	}
	if strings.TrimSpace(rec.Content) == "" {
		return 0, types.NewValidationError("content is required")
	}

	applyPermanence(rec)

	row := rowFromRecord(rec)
	row.ID = 0
	now := time.Now()
	row.CreatedAt = pickTime(rec.CreatedAt, now)
	row.UpdatedAt = now

	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, row.Namespace, "write", row.ID, "")
	})
	if err != nil {
		return 0, storageError("write memory", err)
	}

	rec.ID = row.ID
	rec.CreatedAt = row.CreatedAt
	rec.UpdatedAt = row.UpdatedAt

	s.enqueueSync(syncTask{op: syncUpsert, namespace: row.Namespace, id: row.ID, content: row.Content})

	s.logger.Debug("memory written",
		zap.String("namespace", row.Namespace), zap.Int64("id", row.ID))
	return row.ID, nil
}

// Read fetches one non-deleted record.
func (s *Store) Read(ctx context.Context, namespace string, id int64) (*types.MemoryRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	var row memoryRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ? AND id = ? AND is_deleted = ?", namespace, id, false).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("memory %d not found", id))
	}
	if err != nil {
		return nil, storageError("read memory", err)
	}

	rec := row.toRecord()
	return &rec, nil
}

// ReadAny fetches a record regardless of its soft-delete flag. Used by
// restore and audit paths only.
func (s *Store) ReadAny(ctx context.Context, namespace string, id int64) (*types.MemoryRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	var row memoryRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ? AND id = ?", namespace, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("memory %d not found", id))
	}
	if err != nil {
		return nil, storageError("read memory", err)
	}

	rec := row.toRecord()
	return &rec, nil
}

// GetMany fetches several non-deleted records by id, in no particular order.
func (s *Store) GetMany(ctx context.Context, namespace string, ids []int64) ([]types.MemoryRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []memoryRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ? AND id IN ? AND is_deleted = ?", namespace, ids, false).
		Find(&rows).Error
	if err != nil {
		return nil, storageError("get memories", err)
	}
	return rowsToRecords(rows), nil
}

// UpdateFields is a partial update; nil fields are left untouched.
type UpdateFields struct {
	Content         *string
	Tags            *[]string
	Metadata        *map[string]any
	ImportanceLevel *int
	ImportanceScore *float64
	EmotionScore    *float64
	Kind            *types.MemoryKind
	DecayModel      *types.DecayModel
	DecayParams     *types.DecayParams
}

func (f UpdateFields) empty() bool {
	return f.Content == nil && f.Tags == nil && f.Metadata == nil &&
		f.ImportanceLevel == nil && f.ImportanceScore == nil &&
		f.EmotionScore == nil && f.Kind == nil &&
		f.DecayModel == nil && f.DecayParams == nil
}

// Update applies a partial mutation to a non-deleted record. It returns
// false when the record does not exist. An update that changes content also
// re-syncs the vector index.
func (s *Store) Update(ctx context.Context, namespace string, id int64, fields UpdateFields) (bool, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return false, err
	}
	if fields.empty() {
		return false, types.NewValidationError("no fields to update")
	}

	values := map[string]any{"updated_at": time.Now()}
	var changed []string
	if fields.Content != nil {
		if strings.TrimSpace(*fields.Content) == "" {
			return false, types.NewValidationError("content cannot be empty")
		}
		values["content"] = *fields.Content
		changed = append(changed, "content")
	}
	if fields.Tags != nil {
		values["tags"] = marshalJSON(*fields.Tags)
		changed = append(changed, "tags")
	}
	if fields.Metadata != nil {
		values["metadata"] = marshalJSON(*fields.Metadata)
		changed = append(changed, "metadata")
	}
	if fields.ImportanceLevel != nil {
		level := *fields.ImportanceLevel
		if level < 1 || level > 5 {
			return false, types.NewValidationError("importance level must be 1-5")
		}
		values["importance_level"] = level
		values["importance_score"] = types.ImportanceScoreForLevel(level)
		changed = append(changed, "importance")
	}
	if fields.ImportanceScore != nil {
		score := *fields.ImportanceScore
		if score < 0 || score > 1 {
			return false, types.NewValidationError("importance score must be in [0,1]")
		}
		values["importance_score"] = score
		changed = append(changed, "importance")
	}
	if fields.EmotionScore != nil {
		values["emotion_score"] = *fields.EmotionScore
		changed = append(changed, "emotion")
	}
	if fields.Kind != nil {
		values["kind"] = string(*fields.Kind)
		changed = append(changed, "kind")
	}
	if fields.DecayModel != nil {
		values["decay_model"] = string(*fields.DecayModel)
		changed = append(changed, "decay_model")
	}
	if fields.DecayParams != nil {
		values["decay_params"] = marshalJSON(*fields.DecayParams)
		changed = append(changed, "decay_params")
	}

	var updated int64
	var content string
	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		res := tx.Model(&memoryRow{}).
			Where("namespace = ? AND id = ? AND is_deleted = ?", namespace, id, false).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		updated = res.RowsAffected
		if updated == 0 {
			return nil
		}
		if fields.Content != nil {
			content = *fields.Content
		}
		return s.appendAudit(tx, namespace, "update", id, strings.Join(changed, ","))
	})
	if err != nil {
		return false, storageError("update memory", err)
	}
	if updated == 0 {
		return false, nil
	}

	// Only a content change invalidates the embedding.
	if fields.Content != nil {
		s.enqueueSync(syncTask{op: syncUpsert, namespace: namespace, id: id, content: content})
	}
	return true, nil
}

// SoftDelete marks a record deleted. Returns false for an unknown or
// already-deleted id (idempotent, not an error).
func (s *Store) SoftDelete(ctx context.Context, namespace string, id int64) (bool, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return false, err
	}

	now := time.Now()
	var updated int64
	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		res := tx.Model(&memoryRow{}).
			Where("namespace = ? AND id = ? AND is_deleted = ?", namespace, id, false).
			Updates(map[string]any{"is_deleted": true, "deleted_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		updated = res.RowsAffected
		if updated == 0 {
			return nil
		}
		return s.appendAudit(tx, namespace, "soft_delete", id, "")
	})
	if err != nil {
		return false, storageError("soft delete memory", err)
	}
	if updated == 0 {
		return false, nil
	}

	s.enqueueSync(syncTask{op: syncDelete, namespace: namespace, id: id})
	return true, nil
}

// Restore reverses a soft delete. Returns false for an unknown or
// non-deleted id.
func (s *Store) Restore(ctx context.Context, namespace string, id int64) (bool, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return false, err
	}

	var updated int64
	var content string
	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		var row memoryRow
		err := tx.Where("namespace = ? AND id = ? AND is_deleted = ?", namespace, id, true).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&memoryRow{}).
			Where("namespace = ? AND id = ?", namespace, id).
			Updates(map[string]any{
				"is_deleted": false,
				"deleted_at": nil,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		updated = res.RowsAffected
		content = row.Content
		return s.appendAudit(tx, namespace, "restore", id, "")
	})
	if err != nil {
		return false, storageError("restore memory", err)
	}
	if updated == 0 {
		return false, nil
	}

	s.enqueueSync(syncTask{op: syncUpsert, namespace: namespace, id: id, content: content})
	return true, nil
}

// Touch increments the reactivation count of a record. Used when a memory
// is re-surfaced.
func (s *Store) Touch(ctx context.Context, namespace string, id int64) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		res := tx.Model(&memoryRow{}).
			Where("namespace = ? AND id = ? AND is_deleted = ?", namespace, id, false).
			UpdateColumn("reactivation_count", gorm.Expr("reactivation_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewNotFoundError(fmt.Sprintf("memory %d not found", id))
	}
	if err != nil {
		return storageError("touch memory", err)
	}
	return nil
}

// Filters narrows a Search. Zero values are ignored.
type Filters struct {
	Kind           types.MemoryKind
	Tags           []string
	ContentLike    string
	Permanent      *bool
	MinImportance  float64
	IncludeDeleted bool
}

// Search lists records of a namespace, newest first. Soft-deleted records
// are excluded unless IncludeDeleted is set (audit/restore paths only).
func (s *Store) Search(ctx context.Context, namespace string, filters Filters, limit, offset int) ([]types.MemoryRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	q := s.pool.DB().WithContext(ctx).
		Where("namespace = ?", namespace)
	if !filters.IncludeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	if filters.Kind != "" {
		q = q.Where("kind = ?", string(filters.Kind))
	}
	if filters.ContentLike != "" {
		q = q.Where("content LIKE ?", "%"+filters.ContentLike+"%")
	}
	if filters.Permanent != nil {
		q = q.Where("permanent = ?", *filters.Permanent)
	}
	if filters.MinImportance > 0 {
		q = q.Where("importance_score >= ?", filters.MinImportance)
	}
	// Tag filtering matches the JSON-encoded tag value; final filtering
	// happens on the decoded set below.
	for _, tag := range filters.Tags {
		q = q.Where("tags LIKE ?", "%"+marshalJSON(tag)+"%")
	}

	var rows []memoryRow
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, storageError("search memories", err)
	}

	records := rowsToRecords(rows)
	if len(filters.Tags) > 0 {
		records = filterByTags(records, filters.Tags)
	}
	return records, nil
}

// BatchWrite persists several records in one transaction. Either every
// record commits or none do.
func (s *Store) BatchWrite(ctx context.Context, namespace string, records []*types.MemoryRecord) ([]int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	rows := make([]memoryRow, len(records))
	now := time.Now()
	for i, rec := range records {
		if strings.TrimSpace(rec.Content) == "" {
			return nil, types.NewValidationError(fmt.Sprintf("record %d: content is required", i))
		}
		rec.Namespace = namespace
		applyPermanence(rec)
		rows[i] = rowFromRecord(rec)
		rows[i].ID = 0
		rows[i].CreatedAt = pickTime(rec.CreatedAt, now)
		rows[i].UpdatedAt = now
	}

	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			if err := s.appendAudit(tx, namespace, "write", rows[i].ID, "batch"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError("batch write memories", err)
	}

	ids := make([]int64, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
		records[i].ID = rows[i].ID
		records[i].CreatedAt = rows[i].CreatedAt
		records[i].UpdatedAt = rows[i].UpdatedAt
		s.enqueueSync(syncTask{op: syncUpsert, namespace: namespace, id: rows[i].ID, content: rows[i].Content})
	}
	return ids, nil
}

// BatchUpdate applies the same partial update to several records and
// returns how many changed.
func (s *Store) BatchUpdate(ctx context.Context, namespace string, ids []int64, fields UpdateFields) (int64, error) {
	var updated int64
	for _, id := range ids {
		ok, err := s.Update(ctx, namespace, id, fields)
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	return updated, nil
}

// BatchSoftDelete soft-deletes several records and returns how many changed.
func (s *Store) BatchSoftDelete(ctx context.Context, namespace string, ids []int64) (int64, error) {
	var deleted int64
	for _, id := range ids {
		ok, err := s.SoftDelete(ctx, namespace, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) appendAudit(tx *gorm.DB, namespace, operation string, recordID int64, details string) error {
	return tx.Create(&auditRow{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Operation: operation,
		RecordID:  recordID,
		Actor:     s.config.Actor,
		Details:   details,
		Timestamp: time.Now(),
	}).Error
}

// AuditLog lists audit entries of a namespace, newest first.
func (s *Store) AuditLog(ctx context.Context, namespace string, limit, offset int) ([]types.AuditEntry, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var rows []auditRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ?", namespace).
		Order("timestamp DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, storageError("list audit log", err)
	}

	entries := make([]types.AuditEntry, len(rows))
	for i := range rows {
		entries[i] = types.AuditEntry{
			ID:        rows[i].ID,
			Namespace: rows[i].Namespace,
			Operation: rows[i].Operation,
			RecordID:  rows[i].RecordID,
			Actor:     rows[i].Actor,
			Details:   rows[i].Details,
			Timestamp: rows[i].Timestamp,
		}
	}
	return entries, nil
}

func applyPermanence(rec *types.MemoryRecord) {
	if rec.Kind == types.MemoryPermanent {
		rec.Permanent = true
	}
	if rec.Permanent || rec.ImportanceScore >= 0.95 {
		rec.Permanent = true
		rec.ImportanceScore = 1.0
		rec.DecayModel = types.DecayZero
		if rec.Kind == "" {
			rec.Kind = types.MemoryPermanent
		}
	}
	if rec.Kind == "" {
		rec.Kind = types.MemoryLongTerm
	}
	if rec.DecayModel == "" {
		rec.DecayModel = types.DecayExponential
	}
}

func pickTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func rowsToRecords(rows []memoryRow) []types.MemoryRecord {
	records := make([]types.MemoryRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].toRecord()
	}
	return records
}

func filterByTags(records []types.MemoryRecord, tags []string) []types.MemoryRecord {
	out := records[:0]
	for _, rec := range records {
		all := true
		for _, tag := range tags {
			if !rec.HasTag(tag) {
				all = false
				break
			}
		}
		if all {
			out = append(out, rec)
		}
	}
	return out
}

func storageError(op string, err error) error {
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed
	}
	return types.NewStorageError(op, err)
}
