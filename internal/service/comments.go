package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hn_syncer/internal/config"
	"hn_syncer/internal/domain"
	"hn_syncer/internal/logger"
	"hn_syncer/internal/utils"
)

// CommentsSync expands stored top-level items into their direct children.
// Each run descends one level; comments of comments are never candidates.
type CommentsSync struct {
	source    Source
	items     ItemStore
	syncState SyncStateStore
	publisher Publisher
	logger    *slog.Logger
	config    config.CommentsConfig
}

func NewCommentsSync(
	source Source,
	items ItemStore,
	syncState SyncStateStore,
	publisher Publisher,
	logger *slog.Logger,
	cfg config.CommentsConfig,
) *CommentsSync {
	return &CommentsSync{
		source:    source,
		items:     items,
		syncState: syncState,
		publisher: publisher,
		logger:    logger.With("job", JobComments, "source", source.ID()),
		config:    cfg,
	}
}

func (s *CommentsSync) Name() string {
	return JobComments
}

// Sync fetches every child id of a candidate parent that is not stored yet.
// The set of stored ids is read once at the start of the run. Fetches beyond
// MaxFetchPerRun are counted as deferred and left for later runs.
func (s *CommentsSync) Sync(ctx context.Context) (*domain.SyncStats, error) {
	startTime := time.Now()
	log := logger.FromContext(ctx, s.logger)
	log.Info("starting sync", "source_name", s.source.Name(), "max_fetch_per_run", s.config.MaxFetchPerRun)

	parents, err := s.items.FindCandidateParents(ctx, domain.SourceHackerNews)
	if err != nil {
		return nil, fmt.Errorf("find candidate parents: %w", err)
	}

	known, err := s.items.GetExistingIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("get existing ids: %w", err)
	}

	log.Debug("loaded candidates", "parents", len(parents), "known_ids", len(known))

	stats := &domain.SyncStats{Job: JobComments}
	merger := newItemMerger(s.items, s.publisher, log, domain.ChildSyncFields, stats)
	calls := 0

	for _, parent := range parents {
		for _, childID := range parent.ChildIDs {
			if _, ok := known[childID]; ok {
				continue
			}
			known[childID] = struct{}{}
			stats.Listed++

			if s.budgetSpent(calls) || ctx.Err() != nil {
				stats.Deferred++
				continue
			}
			calls++

			child, err := s.source.FetchItem(ctx, childID)
			if err != nil {
				stats.Errors++
				log.Warn("skipping item",
					"external_id", childID,
					"parent_id", parent.ExternalID,
					"reason", "fetch failed",
					"error", err,
				)
				continue
			}
			if child == nil {
				stats.Skipped++
				log.Info("skipping item",
					"external_id", childID,
					"parent_id", parent.ExternalID,
					"reason", "absent upstream",
				)
				continue
			}

			stats.Fetched++
			child.ParentID = utils.Ptr(parent.ExternalID)
			child.Source = domain.SourceHackerNews
			merger.merge(ctx, child)
		}
	}

	if stats.Deferred > 0 {
		log.Info("children deferred to a later run", "deferred", stats.Deferred)
	}

	cleanupCtx, cancel := detach(ctx)
	defer cancel()

	merger.flush(cleanupCtx)

	stats.Duration = time.Since(startTime)

	if err := updateSyncState(cleanupCtx, s.syncState, JobComments, merger.lastID, stats); err != nil {
		return stats, fmt.Errorf("update sync state: %w", err)
	}

	logCompleted(log, stats)

	return stats, nil
}

func (s *CommentsSync) budgetSpent(calls int) bool {
	return s.config.MaxFetchPerRun > 0 && calls >= s.config.MaxFetchPerRun
}
