package store

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type syncOp int

const (
	syncUpsert syncOp = iota
	syncDelete
	syncFlush
)

type syncTask struct {
	op        syncOp
	namespace string
	id        int64
	content   string
	done      chan struct{}
}

// enqueueSync hands a task to the background worker. The queue is bounded;
// when full the task is dropped with a warning, since index sync is
// best-effort and a dropped sync only means a stale vector until the next
// content change or rebuild. Tasks arriving after Close are dropped.
func (s *Store) enqueueSync(task syncTask) {
	if s.embedder == nil || s.index == nil {
		return
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.syncClosed {
		return
	}
	select {
	case s.syncCh <- task:
	default:
		s.logger.Warn("index sync queue full, dropping task",
			zap.String("namespace", task.namespace), zap.Int64("id", task.id))
		if s.syncMetrics != nil {
			s.syncMetrics.RecordIndexSyncDropped()
		}
	}
}

// FlushIndex blocks until every sync task enqueued before the call has
// been applied, so a search issued afterwards sees the fresh vectors.
// On a closed store the queue is already drained and the call returns
// immediately.
func (s *Store) FlushIndex(ctx context.Context) error {
	if s.embedder == nil || s.index == nil {
		return nil
	}

	task := syncTask{op: syncFlush, done: make(chan struct{})}

	s.syncMu.Lock()
	if s.syncClosed {
		s.syncMu.Unlock()
		return nil
	}
	select {
	case s.syncCh <- task:
		s.syncMu.Unlock()
	case <-ctx.Done():
		s.syncMu.Unlock()
		return ctx.Err()
	}

	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) syncLoop() {
	defer close(s.doneCh)

	for task := range s.syncCh {
		if task.op == syncFlush {
			// The queue is FIFO; everything enqueued before the barrier
			// has already been applied.
			close(task.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.handleSync(ctx, task); err != nil {
			s.logger.Warn("index sync failed",
				zap.String("namespace", task.namespace),
				zap.Int64("id", task.id),
				zap.Error(err))
			if s.syncMetrics != nil {
				s.syncMetrics.RecordIndexSyncFailure()
			}
		}
		cancel()
	}
}

func (s *Store) handleSync(ctx context.Context, task syncTask) error {
	switch task.op {
	case syncDelete:
		return s.index.Delete(ctx, task.id)
	default:
		vector, err := s.embedder.Embed(ctx, task.content)
		if err != nil {
			return err
		}
		return s.index.Upsert(ctx, task.id, vector, map[string]any{
			"namespace": task.namespace,
			"content":   task.content,
		})
	}
}

// RebuildIndex re-embeds and re-upserts every active record of a namespace.
// Embedding calls fan out with bounded concurrency; the first failure
// aborts the rebuild.
func (s *Store) RebuildIndex(ctx context.Context, namespace string, concurrency int) (int, error) {
	if s.embedder == nil || s.index == nil {
		return 0, nil
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	const pageSize = 200
	var total int

	for offset := 0; ; offset += pageSize {
		records, err := s.ListActive(ctx, namespace, pageSize, offset)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i := range records {
			rec := records[i]
			g.Go(func() error {
				vector, err := s.embedder.Embed(gctx, rec.Content)
				if err != nil {
					return err
				}
				return s.index.Upsert(gctx, rec.ID, vector, map[string]any{
					"namespace": rec.Namespace,
					"content":   rec.Content,
				})
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}

		total += len(records)
		if len(records) < pageSize {
			break
		}
	}

	s.logger.Info("index rebuilt",
		zap.String("namespace", namespace), zap.Int("records", total))
	return total, nil
}
