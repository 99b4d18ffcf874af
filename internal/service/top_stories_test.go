package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/mock/gomock"

	"hn_syncer/internal/config"
	"hn_syncer/internal/domain"
	"hn_syncer/internal/logger"
	"hn_syncer/internal/utils"
)

func (s *SyncTestSuite) newTopStories(publisher Publisher, limit int) *TopStoriesSync {
	return NewTopStoriesSync(s.source, s.items, s.syncState, publisher, s.logger, config.TopStoriesConfig{Limit: limit})
}

func (s *SyncTestSuite) expectStories(ids ...int64) {
	for _, id := range ids {
		s.source.EXPECT().FetchItem(gomock.Any(), id).Return(hnStory(id), nil)
	}
}

func (s *SyncTestSuite) TestTopStories_EmptyStoreCreatesAll() {
	table := s.storeWith()

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{1, 2, 3}, nil)
	s.expectStories(1, 2, 3)
	s.publisher.EXPECT().Publish(s.ctx, gomock.Any(), true).Return(nil).Times(3)
	s.expectSyncState(JobTopStories)

	stats, err := s.newTopStories(s.publisher, 100).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(JobTopStories, stats.Job)
	s.Equal(3, stats.Listed)
	s.Equal(3, stats.Fetched)
	s.Equal(3, stats.New)
	s.Equal(0, stats.Updated)
	s.Equal(3, stats.Published)
	s.Len(table, 3)
	for _, id := range []int64{1, 2, 3} {
		s.Require().Contains(table, id)
		s.Equal(domain.SourceHackerNews, table[id].Source)
	}
}

func (s *SyncTestSuite) TestTopStories_BatchesExistingItems() {
	ids := make([]int64, 100)
	existing := make([]int64, 0, 30)
	for i := range ids {
		ids[i] = int64(i + 1)
		if i < 30 {
			existing = append(existing, ids[i])
		}
	}
	table := s.storeWith(existing...)

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return(ids, nil)
	s.source.EXPECT().FetchItem(s.ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, id int64) (*domain.Item, error) {
			story := hnStory(id)
			story.Score = utils.Ptr(int(id) * 10)
			story.Title = utils.Ptr(fmt.Sprintf("story %d", id))
			return story, nil
		},
	).Times(100)

	var batch []domain.Item
	s.items.EXPECT().BulkApplyUpdates(gomock.Any(), gomock.Any(), domain.TopLevelSyncFields).DoAndReturn(
		func(_ context.Context, items []domain.Item, _ []domain.Field) error {
			batch = append(batch, items...)
			return nil
		},
	).Times(1)
	s.expectSyncState(JobTopStories)

	stats, err := s.newTopStories(nil, 100).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(70, stats.New)
	s.Equal(30, stats.Updated)
	s.Len(table, 100)

	s.Require().Len(batch, 30)
	for i, item := range batch {
		s.Equal(int64(i+1), item.ExternalID)
		s.Equal(item.ExternalID+1000, item.ID)
		s.Require().NotNil(item.Score)
		s.Equal((i+1)*10, *item.Score)
		s.Equal(fmt.Sprintf("story %d", i+1), *item.Title)
	}
}

func (s *SyncTestSuite) TestTopStories_TransientFailureSkipsOnlyThatID() {
	table := s.storeWith()

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{4, 5, 6}, nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(4)).Return(hnStory(4), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(5)).Return(nil, fmt.Errorf("%w: unexpected status: 503", domain.ErrTransientFetch))
	s.source.EXPECT().FetchItem(s.ctx, int64(6)).Return(hnStory(6), nil)
	s.expectSyncState(JobTopStories)

	stats, err := s.newTopStories(nil, 100).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(2, stats.New)
	s.Equal(1, stats.Errors)
	s.Contains(table, int64(4))
	s.Contains(table, int64(6))
	s.NotContains(table, int64(5))
}

func (s *SyncTestSuite) TestTopStories_AbsentItemIsSkipped() {
	table := s.storeWith()

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{1, 2}, nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(1)).Return(nil, nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(2)).Return(hnStory(2), nil)
	s.expectSyncState(JobTopStories)

	stats, err := s.newTopStories(nil, 100).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Skipped)
	s.Equal(1, stats.New)
	s.Equal(0, stats.Errors)
	s.Len(table, 1)
}

func (s *SyncTestSuite) TestTopStories_RepeatedRunsDoNotDuplicate() {
	table := s.storeWith()
	svc := s.newTopStories(nil, 100)

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{1, 2, 3}, nil).Times(2)
	s.source.EXPECT().FetchItem(s.ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, id int64) (*domain.Item, error) {
			return hnStory(id), nil
		},
	).Times(6)
	s.items.EXPECT().BulkApplyUpdates(gomock.Any(), gomock.Len(3), domain.TopLevelSyncFields).Return(nil)
	s.syncState.EXPECT().Get(gomock.Any(), JobTopStories).Return(&domain.SyncState{Job: JobTopStories}, nil).Times(2)
	s.syncState.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	first, err := svc.Sync(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, first.New)

	second, err := svc.Sync(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, second.New)
	s.Equal(3, second.Updated)
	s.Len(table, 3)
}

func (s *SyncTestSuite) TestTopStories_StorageErrorDoesNotAbortRun() {
	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{1, 2}, nil)
	s.expectStories(1, 2)

	s.items.EXPECT().Upsert(s.ctx, gomock.Any(), gomock.Nil()).DoAndReturn(
		func(_ context.Context, item *domain.Item, _ []domain.Field) (*domain.Item, bool, error) {
			if item.ExternalID == 1 {
				return nil, false, &domain.StorageError{Op: "upsert item", Err: errors.New("value too long")}
			}
			return item, true, nil
		},
	).Times(2)
	s.expectSyncState(JobTopStories)

	stats, err := s.newTopStories(nil, 100).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Errors)
	s.Equal(1, stats.New)
}

func (s *SyncTestSuite) TestTopStories_FailedBatchCountsEveryItem() {
	s.storeWith(1, 2)

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{1, 2}, nil)
	s.expectStories(1, 2)
	s.items.EXPECT().BulkApplyUpdates(gomock.Any(), gomock.Len(2), domain.TopLevelSyncFields).
		Return(&domain.StorageError{Op: "bulk apply updates", Retryable: true, Err: errors.New("deadlock")})
	s.expectSyncState(JobTopStories)

	stats, err := s.newTopStories(s.publisher, 100).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(0, stats.Updated)
	s.Equal(2, stats.Errors)
	s.Equal(0, stats.Published)
}

func (s *SyncTestSuite) TestTopStories_ListError() {
	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return(nil, fmt.Errorf("%w: timeout", domain.ErrTransientFetch))

	stats, err := s.newTopStories(nil, 100).Sync(s.ctx)

	s.Nil(stats)
	s.ErrorIs(err, domain.ErrTransientFetch)
	s.Contains(err.Error(), "fetch top ids")
}

func (s *SyncTestSuite) TestTopStories_CancelledRunDefersRemainingIDs() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	s.source.EXPECT().FetchTopIDs(ctx, 100).Return([]int64{1, 2, 3}, nil)
	s.expectSyncState(JobTopStories)

	stats, err := s.newTopStories(nil, 100).Sync(ctx)

	s.Require().NoError(err)
	s.Equal(3, stats.Deferred)
	s.Equal(0, stats.Fetched)
}

func (s *SyncTestSuite) TestTopStories_RecordsSyncState() {
	s.storeWith(9)

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{9, 4}, nil)
	s.expectStories(9, 4)
	s.items.EXPECT().BulkApplyUpdates(gomock.Any(), gomock.Len(1), domain.TopLevelSyncFields).Return(nil)
	s.syncState.EXPECT().Get(gomock.Any(), JobTopStories).Return(&domain.SyncState{Job: JobTopStories, TotalSynced: 40}, nil)
	s.syncState.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, state *domain.SyncState) error {
			s.Equal(int64(9), state.LastItemID)
			s.Equal(int64(42), state.TotalSynced)
			return nil
		},
	)

	_, err := s.newTopStories(nil, 100).Sync(s.ctx)

	s.NoError(err)
}

func (s *SyncTestSuite) TestTopStories_SyncStateErrorIsReturnedWithStats() {
	s.storeWith()

	s.source.EXPECT().FetchTopIDs(s.ctx, 100).Return([]int64{1}, nil)
	s.expectStories(1)
	s.syncState.EXPECT().Get(gomock.Any(), JobTopStories).Return(nil, errors.New("db down"))

	stats, err := s.newTopStories(nil, 100).Sync(s.ctx)

	s.Error(err)
	s.Require().NotNil(stats)
	s.Equal(1, stats.New)
}

func (s *SyncTestSuite) TestTopStories_LogsWithRunAttrs() {
	var buf bytes.Buffer
	s.logger = slog.New(slog.NewJSONHandler(&buf, nil))
	s.storeWith()

	s.source.EXPECT().FetchTopIDs(gomock.Any(), 100).Return([]int64{1, 2}, nil)
	s.source.EXPECT().FetchItem(gomock.Any(), int64(1)).Return(nil, nil)
	s.source.EXPECT().FetchItem(gomock.Any(), int64(2)).Return(hnStory(2), nil)
	s.expectSyncState(JobTopStories)

	ctx := logger.WithAttrs(s.ctx, "run_id", "run-42")
	_, err := s.newTopStories(nil, 100).Sync(ctx)
	s.Require().NoError(err)

	dec := json.NewDecoder(&buf)
	messages := 0
	for dec.More() {
		var line map[string]any
		s.Require().NoError(dec.Decode(&line))
		s.Equal("run-42", line["run_id"], line["msg"])
		s.Equal(JobTopStories, line["job"])
		messages++
	}
	s.GreaterOrEqual(messages, 3)
}
