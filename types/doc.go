/*
Package types provides the shared type definitions for the memflow memory
core.

types is the lowest-level public package and depends on no internal package.
It defines the data model shared across the store, decay, search, dedup,
archive, and router subsystems:

  - MemoryRecord      — the stored memory unit (kind, importance, decay model)
  - ArchiveRecord     — one compaction step of a memory's content (level 0-4)
  - DuplicateGroup    — a connected set of near-duplicate memories
  - SimilarityRecord  — a cached pairwise similarity comparison
  - MergeRecord       — the audit entry left behind by a merge
  - AuditEntry        — append-only log entry for every mutating operation
  - Error / ErrorCode — structured error taxonomy with Retryable marker

All cross-package contracts live here to avoid import cycles.
*/
package types
