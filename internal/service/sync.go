package service

import (
	"context"
	"log/slog"
	"time"

	"hn_syncer/internal/domain"
)

// Job names, also used as sync_state keys.
const (
	JobTopStories = "top_stories"
	JobComments   = "comments"
)

// cleanupTimeout bounds the writes that close a run after its context expired.
const cleanupTimeout = 30 * time.Second

// itemMerger creates unknown items as soon as they are fetched and collects
// the known ones for a single batched update at the end of the run.
type itemMerger struct {
	items     ItemStore
	publisher Publisher
	logger    *slog.Logger
	fields    []domain.Field
	stats     *domain.SyncStats

	pending []domain.Item
	lastID  int64
}

func newItemMerger(items ItemStore, publisher Publisher, logger *slog.Logger, fields []domain.Field, stats *domain.SyncStats) *itemMerger {
	return &itemMerger{
		items:     items,
		publisher: publisher,
		logger:    logger,
		fields:    fields,
		stats:     stats,
	}
}

func (m *itemMerger) merge(ctx context.Context, item *domain.Item) {
	stored, created, err := m.items.Upsert(ctx, item, nil)
	if err != nil {
		m.stats.Errors++
		m.logger.Error("failed to store item",
			"external_id", item.ExternalID,
			"retryable", domain.IsRetryableStorageError(err),
			"error", err,
		)
		return
	}

	m.lastID = max(m.lastID, item.ExternalID)

	if created {
		m.stats.New++
		m.publish(ctx, stored, true)
		return
	}

	update := *item
	update.ID = stored.ID
	m.pending = append(m.pending, update)
}

// flush applies every collected update in one batch. A failed batch is lost
// as a whole and picked up again by the next run.
func (m *itemMerger) flush(ctx context.Context) {
	if len(m.pending) == 0 {
		return
	}

	if err := m.items.BulkApplyUpdates(ctx, m.pending, m.fields); err != nil {
		m.stats.Errors += len(m.pending)
		m.logger.Error("failed to apply item updates",
			"count", len(m.pending),
			"retryable", domain.IsRetryableStorageError(err),
			"error", err,
		)
		m.pending = nil
		return
	}

	m.stats.Updated += len(m.pending)
	for i := range m.pending {
		m.publish(ctx, &m.pending[i], false)
	}
	m.pending = nil
}

func (m *itemMerger) publish(ctx context.Context, item *domain.Item, isNew bool) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, item, isNew); err != nil {
		m.stats.Errors++
		m.logger.Warn("failed to publish item event", "external_id", item.ExternalID, "error", err)
		return
	}
	m.stats.Published++
}

// detach returns a context that survives cancellation of ctx for the writes
// that close a run.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func updateSyncState(ctx context.Context, store SyncStateStore, job string, lastID int64, stats *domain.SyncStats) error {
	state, err := store.Get(ctx, job)
	if err != nil {
		return err
	}

	state.Job = job
	state.LastSyncedAt = time.Now()
	if lastID > 0 {
		state.LastItemID = lastID
	}
	state.TotalSynced += int64(stats.New + stats.Updated)

	return store.Update(ctx, state)
}

func logCompleted(logger *slog.Logger, stats *domain.SyncStats) {
	logger.Info("sync completed",
		"listed", stats.Listed,
		"fetched", stats.Fetched,
		"new", stats.New,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"deferred", stats.Deferred,
		"errors", stats.Errors,
		"published", stats.Published,
		"duration", stats.Duration,
	)
}
