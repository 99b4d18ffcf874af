package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hn_syncer/internal/config"
	"hn_syncer/internal/domain"
	"hn_syncer/internal/logger"
)

// TopStoriesSync mirrors the current top stories ranking into the store.
type TopStoriesSync struct {
	source    Source
	items     ItemStore
	syncState SyncStateStore
	publisher Publisher
	logger    *slog.Logger
	config    config.TopStoriesConfig
}

func NewTopStoriesSync(
	source Source,
	items ItemStore,
	syncState SyncStateStore,
	publisher Publisher,
	logger *slog.Logger,
	cfg config.TopStoriesConfig,
) *TopStoriesSync {
	return &TopStoriesSync{
		source:    source,
		items:     items,
		syncState: syncState,
		publisher: publisher,
		logger:    logger.With("job", JobTopStories, "source", source.ID()),
		config:    cfg,
	}
}

func (s *TopStoriesSync) Name() string {
	return JobTopStories
}

// Sync fetches the top ids in ranking order and merges every item. New items
// are written immediately; known ones are refreshed by one bulk update after
// the loop. Ids that fail to fetch are skipped until the next run.
func (s *TopStoriesSync) Sync(ctx context.Context) (*domain.SyncStats, error) {
	startTime := time.Now()
	log := logger.FromContext(ctx, s.logger)
	log.Info("starting sync", "source_name", s.source.Name(), "limit", s.config.Limit)

	ids, err := s.source.FetchTopIDs(ctx, s.config.Limit)
	if err != nil {
		return nil, fmt.Errorf("fetch top ids: %w", err)
	}

	stats := &domain.SyncStats{Job: JobTopStories, Listed: len(ids)}
	merger := newItemMerger(s.items, s.publisher, log, domain.TopLevelSyncFields, stats)

	for i, id := range ids {
		if ctx.Err() != nil {
			stats.Deferred += len(ids) - i
			log.Warn("run interrupted", "remaining", len(ids)-i, "error", ctx.Err())
			break
		}

		item, err := s.source.FetchItem(ctx, id)
		if err != nil {
			stats.Errors++
			log.Warn("skipping item", "external_id", id, "reason", "fetch failed", "error", err)
			continue
		}
		if item == nil {
			stats.Skipped++
			log.Info("skipping item", "external_id", id, "reason", "absent upstream")
			continue
		}

		stats.Fetched++
		merger.merge(ctx, item)
	}

	cleanupCtx, cancel := detach(ctx)
	defer cancel()

	merger.flush(cleanupCtx)

	stats.Duration = time.Since(startTime)

	if err := updateSyncState(cleanupCtx, s.syncState, JobTopStories, merger.lastID, stats); err != nil {
		return stats, fmt.Errorf("update sync state: %w", err)
	}

	logCompleted(log, stats)

	return stats, nil
}
