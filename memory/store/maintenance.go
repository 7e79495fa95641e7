package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memflow-ai/memflow/types"
)

// Namespaces lists every namespace with at least one record.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	var namespaces []string
	err := s.pool.DB().WithContext(ctx).
		Model(&memoryRow{}).
		Distinct("namespace").
		Order("namespace").
		Pluck("namespace", &namespaces).Error
	if err != nil {
		return nil, storageError("list namespaces", err)
	}
	return namespaces, nil
}

// ListActive pages through non-deleted records of a namespace in id order.
func (s *Store) ListActive(ctx context.Context, namespace string, limit, offset int) ([]types.MemoryRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	var rows []memoryRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ? AND is_deleted = ?", namespace, false).
		Order("id").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, storageError("list active memories", err)
	}
	return rowsToRecords(rows), nil
}

// PurgeDeleted permanently removes soft-deleted records past the retention
// window and returns how many were purged.
func (s *Store) PurgeDeleted(ctx context.Context, namespace string, olderThan time.Duration) (int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	var purged int64
	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		res := tx.Where("namespace = ? AND is_deleted = ? AND deleted_at < ?", namespace, true, cutoff).
			Delete(&memoryRow{})
		if res.Error != nil {
			return res.Error
		}
		purged = res.RowsAffected
		if purged == 0 {
			return nil
		}
		return s.appendAudit(tx, namespace, "purge", 0, fmt.Sprintf("purged=%d", purged))
	})
	if err != nil {
		return 0, storageError("purge deleted memories", err)
	}
	return purged, nil
}

// HardDelete permanently removes one record regardless of its soft-delete
// state. Returns false when the record does not exist.
func (s *Store) HardDelete(ctx context.Context, namespace string, id int64) (bool, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return false, err
	}

	var deleted int64
	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		res := tx.Where("namespace = ? AND id = ?", namespace, id).Delete(&memoryRow{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		if deleted == 0 {
			return nil
		}
		return s.appendAudit(tx, namespace, "hard_delete", id, "")
	})
	if err != nil {
		return false, storageError("hard delete memory", err)
	}
	if deleted == 0 {
		return false, nil
	}

	s.enqueueSync(syncTask{op: syncDelete, namespace: namespace, id: id})
	return true, nil
}

// ApplyArchive persists an archive record and flips the memory's archive
// state in one transaction.
func (s *Store) ApplyArchive(ctx context.Context, rec *types.ArchiveRecord) error {
	if err := ValidateNamespace(rec.Namespace); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}

	row := rowFromArchive(rec)
	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		res := tx.Model(&memoryRow{}).
			Where("namespace = ? AND id = ?", rec.Namespace, rec.OriginalMemoryID).
			Updates(map[string]any{
				"archive_level": rec.ArchiveLevel,
				"archived_at":   rec.ArchivedAt,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return s.appendAudit(tx, rec.Namespace, "archive", rec.OriginalMemoryID,
			fmt.Sprintf("level=%d", rec.ArchiveLevel))
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewNotFoundError(fmt.Sprintf("memory %d not found", rec.OriginalMemoryID))
	}
	if err != nil {
		return storageError("apply archive", err)
	}
	return nil
}

// SaveArchiveRecord persists an archive record without touching any memory
// row. Used by archive-of-archives, which re-compresses existing archives.
func (s *Store) SaveArchiveRecord(ctx context.Context, rec *types.ArchiveRecord) error {
	if err := ValidateNamespace(rec.Namespace); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}

	row := rowFromArchive(rec)
	if err := s.pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return storageError("save archive record", err)
	}
	return nil
}

// GetArchiveRecord fetches one archive record.
func (s *Store) GetArchiveRecord(ctx context.Context, namespace, archiveID string) (*types.ArchiveRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	var row archiveRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ? AND id = ?", namespace, archiveID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("archive %s not found", archiveID))
	}
	if err != nil {
		return nil, storageError("get archive record", err)
	}

	rec := row.toRecord()
	return &rec, nil
}

// ListArchiveRecords lists archive records of a namespace at one level,
// newest first.
func (s *Store) ListArchiveRecords(ctx context.Context, namespace string, level int, limit, offset int) ([]types.ArchiveRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var rows []archiveRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ? AND archive_level = ?", namespace, level).
		Order("archived_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, storageError("list archive records", err)
	}

	records := make([]types.ArchiveRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].toRecord()
	}
	return records, nil
}

// MarkArchiveRestored stamps restoredAt and bumps the access count of an
// archive record.
func (s *Store) MarkArchiveRestored(ctx context.Context, namespace, archiveID string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	now := time.Now()
	res := s.pool.DB().WithContext(ctx).
		Model(&archiveRow{}).
		Where("namespace = ? AND id = ?", namespace, archiveID).
		Updates(map[string]any{
			"restored_at":  now,
			"access_count": gorm.Expr("access_count + 1"),
		})
	if res.Error != nil {
		return storageError("mark archive restored", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewNotFoundError(fmt.Sprintf("archive %s not found", archiveID))
	}
	return nil
}

// ApplyMerge atomically collapses a duplicate group: the canonical record
// receives the merged content and tag union, every other member is
// soft-deleted with mergedInto set, and a merge record plus audit entries
// are written. Either all of it commits or none of it does.
func (s *Store) ApplyMerge(ctx context.Context, namespace string, canonicalID int64, mergedIDs []int64, content string, tags []string, strategy string) (*types.MergeRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	record := &types.MergeRecord{
		ID:          uuid.NewString(),
		Namespace:   namespace,
		CanonicalID: canonicalID,
		MergedIDs:   mergedIDs,
		Strategy:    strategy,
		MergedAt:    time.Now(),
	}

	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		now := time.Now()

		res := tx.Model(&memoryRow{}).
			Where("namespace = ? AND id = ? AND is_deleted = ?", namespace, canonicalID, false).
			Updates(map[string]any{
				"content":    content,
				"tags":       marshalJSON(tags),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		for _, id := range mergedIDs {
			res := tx.Model(&memoryRow{}).
				Where("namespace = ? AND id = ? AND is_deleted = ?", namespace, id, false).
				Updates(map[string]any{
					"is_deleted":  true,
					"deleted_at":  now,
					"merged_into": canonicalID,
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
		}

		if err := tx.Create(&mergeRow{
			ID:          record.ID,
			Namespace:   namespace,
			CanonicalID: canonicalID,
			MergedIDs:   marshalJSON(mergedIDs),
			Strategy:    strategy,
			MergedAt:    record.MergedAt,
		}).Error; err != nil {
			return err
		}

		return s.appendAudit(tx, namespace, "merge", canonicalID,
			fmt.Sprintf("strategy=%s merged=%s", strategy, marshalJSON(mergedIDs)))
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("merge target not found or already merged")
	}
	if err != nil {
		return nil, storageError("apply merge", err)
	}

	// The merged members are gone from search; their vectors follow.
	for _, id := range mergedIDs {
		s.enqueueSync(syncTask{op: syncDelete, namespace: namespace, id: id})
	}
	s.enqueueSync(syncTask{op: syncUpsert, namespace: namespace, id: canonicalID, content: content})

	return record, nil
}

// CountMergeRecords counts merges performed in a namespace.
func (s *Store) CountMergeRecords(ctx context.Context, namespace string) (int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return 0, err
	}

	var count int64
	err := s.pool.DB().WithContext(ctx).
		Model(&mergeRow{}).
		Where("namespace = ?", namespace).
		Count(&count).Error
	if err != nil {
		return 0, storageError("count merge records", err)
	}
	return count, nil
}

// ListMergeRecords lists merges of a namespace, newest first.
func (s *Store) ListMergeRecords(ctx context.Context, namespace string, limit, offset int) ([]types.MergeRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var rows []mergeRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ?", namespace).
		Order("merged_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, storageError("list merge records", err)
	}

	records := make([]types.MergeRecord, len(rows))
	for i := range rows {
		records[i] = types.MergeRecord{
			ID:          rows[i].ID,
			Namespace:   rows[i].Namespace,
			CanonicalID: rows[i].CanonicalID,
			MergedIDs:   unmarshalIDs(rows[i].MergedIDs),
			Strategy:    rows[i].Strategy,
			MergedAt:    rows[i].MergedAt,
		}
	}
	return records, nil
}

// SaveSimilarity upserts a cached pairwise comparison. IDs are stored with
// the smaller id first.
func (s *Store) SaveSimilarity(ctx context.Context, rec *types.SimilarityRecord) error {
	if err := ValidateNamespace(rec.Namespace); err != nil {
		return err
	}

	a, b := rec.IDA, rec.IDB
	if a > b {
		a, b = b, a
	}
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = time.Now()
	}

	row := similarityRow{
		Namespace:   rec.Namespace,
		IDA:         a,
		IDB:         b,
		Score:       rec.Score,
		IsDuplicate: rec.IsDuplicate,
		CheckedAt:   rec.CheckedAt,
	}
	err := s.pool.WithTransactionRetry(ctx, conflictRetries, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
	if err != nil {
		return storageError("save similarity record", err)
	}
	return nil
}

// GetSimilarity fetches a cached pairwise comparison, if any.
func (s *Store) GetSimilarity(ctx context.Context, namespace string, idA, idB int64) (*types.SimilarityRecord, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	if idA > idB {
		idA, idB = idB, idA
	}

	var row similarityRow
	err := s.pool.DB().WithContext(ctx).
		Where("namespace = ? AND id_a = ? AND id_b = ?", namespace, idA, idB).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("get similarity record", err)
	}

	return &types.SimilarityRecord{
		Namespace:   row.Namespace,
		IDA:         row.IDA,
		IDB:         row.IDB,
		Score:       row.Score,
		IsDuplicate: row.IsDuplicate,
		CheckedAt:   row.CheckedAt,
	}, nil
}

// CountDuplicatePairs counts cached pairs confirmed as duplicates.
func (s *Store) CountDuplicatePairs(ctx context.Context, namespace string) (int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return 0, err
	}

	var count int64
	err := s.pool.DB().WithContext(ctx).
		Model(&similarityRow{}).
		Where("namespace = ? AND is_duplicate = ?", namespace, true).
		Count(&count).Error
	if err != nil {
		return 0, storageError("count duplicate pairs", err)
	}
	return count, nil
}

// CountByArchiveLevel counts non-deleted memories per archive level.
func (s *Store) CountByArchiveLevel(ctx context.Context, namespace string) (map[int]int64, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	type levelCount struct {
		ArchiveLevel int
		N            int64
	}
	var counts []levelCount
	err := s.pool.DB().WithContext(ctx).
		Model(&memoryRow{}).
		Select("archive_level, COUNT(*) AS n").
		Where("namespace = ? AND is_deleted = ?", namespace, false).
		Group("archive_level").
		Find(&counts).Error
	if err != nil {
		return nil, storageError("count by archive level", err)
	}

	out := make(map[int]int64, len(counts))
	for _, c := range counts {
		out[c.ArchiveLevel] = c.N
	}
	return out, nil
}
