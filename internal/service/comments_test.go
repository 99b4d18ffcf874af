package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/mock/gomock"

	"hn_syncer/internal/config"
	"hn_syncer/internal/domain"
)

func (s *SyncTestSuite) newComments(publisher Publisher, budget int) *CommentsSync {
	return NewCommentsSync(s.source, s.items, s.syncState, publisher, s.logger, config.CommentsConfig{MaxFetchPerRun: budget})
}

func known(ids ...int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s *SyncTestSuite) expectCandidates(parents ...domain.Item) {
	s.items.EXPECT().FindCandidateParents(s.ctx, domain.SourceHackerNews).Return(parents, nil)
}

func (s *SyncTestSuite) TestComments_CreatesOnlyUnknownChildren() {
	table := s.storeWith(1, 10)

	s.expectCandidates(*hnStory(1, 10, 11))
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(1, 10), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(11)).Return(hnComment(11, 1), nil)
	s.publisher.EXPECT().Publish(s.ctx, gomock.Any(), true).Return(nil)
	s.expectSyncState(JobComments)

	stats, err := s.newComments(s.publisher, 0).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Listed)
	s.Equal(1, stats.New)
	s.Equal(1, stats.Published)

	s.Require().Contains(table, int64(11))
	child := table[11]
	s.Require().NotNil(child.ParentID)
	s.Equal(int64(1), *child.ParentID)
	s.Equal(domain.SourceHackerNews, child.Source)
}

func (s *SyncTestSuite) TestComments_ParentRelationshipComesFromCandidate() {
	table := s.storeWith(1)

	orphan := hnComment(11, 0)
	orphan.ParentID = nil
	orphan.Source = ""

	s.expectCandidates(*hnStory(1, 11))
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(1), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(11)).Return(orphan, nil)
	s.expectSyncState(JobComments)

	_, err := s.newComments(nil, 0).Sync(s.ctx)

	s.Require().NoError(err)
	s.Require().NotNil(table[11].ParentID)
	s.Equal(int64(1), *table[11].ParentID)
	s.Equal(domain.SourceHackerNews, table[11].Source)
}

func (s *SyncTestSuite) TestComments_MissingChildIsTolerated() {
	table := s.storeWith(1)

	s.expectCandidates(*hnStory(1, 20, 21))
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(1), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(20)).Return(nil, nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(21)).Return(hnComment(21, 1), nil)
	s.expectSyncState(JobComments)

	stats, err := s.newComments(nil, 0).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Skipped)
	s.Equal(1, stats.New)
	s.Equal(0, stats.Errors)
	s.NotContains(table, int64(20))
}

func (s *SyncTestSuite) TestComments_TransientFailureSkipsChild() {
	table := s.storeWith(1)

	s.expectCandidates(*hnStory(1, 30, 31))
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(1), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(30)).Return(nil, fmt.Errorf("%w: timeout", domain.ErrTransientFetch))
	s.source.EXPECT().FetchItem(s.ctx, int64(31)).Return(hnComment(31, 1), nil)
	s.expectSyncState(JobComments)

	stats, err := s.newComments(nil, 0).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Errors)
	s.Equal(1, stats.New)
	s.Contains(table, int64(31))
}

func (s *SyncTestSuite) TestComments_UnexpectedExistingChildIsBatched() {
	s.storeWith(1, 40)

	s.expectCandidates(*hnStory(1, 40))
	// The snapshot predates a concurrent insert of 40.
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(1), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(40)).Return(hnComment(40, 1), nil)
	s.items.EXPECT().BulkApplyUpdates(gomock.Any(), gomock.Any(), domain.ChildSyncFields).DoAndReturn(
		func(_ context.Context, items []domain.Item, _ []domain.Field) error {
			s.Require().Len(items, 1)
			s.Equal(int64(40), items[0].ExternalID)
			s.Equal(int64(1040), items[0].ID)
			s.Equal(int64(1), *items[0].ParentID)
			return nil
		},
	)
	s.expectSyncState(JobComments)

	stats, err := s.newComments(nil, 0).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(0, stats.New)
	s.Equal(1, stats.Updated)
}

func (s *SyncTestSuite) TestComments_BudgetDefersRemainingChildren() {
	s.storeWith(1, 2)

	s.expectCandidates(*hnStory(2, 50, 51), *hnStory(1, 52, 53))
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(1, 2), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(50)).Return(hnComment(50, 2), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(51)).Return(hnComment(51, 2), nil)
	s.expectSyncState(JobComments)

	stats, err := s.newComments(nil, 2).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(4, stats.Listed)
	s.Equal(2, stats.New)
	s.Equal(2, stats.Deferred)
}

func (s *SyncTestSuite) TestComments_SharedChildIsFetchedOnce() {
	s.storeWith(1, 2)

	s.expectCandidates(*hnStory(2, 60), *hnStory(1, 60))
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(1, 2), nil)
	s.source.EXPECT().FetchItem(s.ctx, int64(60)).Return(hnComment(60, 2), nil).Times(1)
	s.expectSyncState(JobComments)

	stats, err := s.newComments(nil, 0).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Listed)
	s.Equal(1, stats.New)
}

func (s *SyncTestSuite) TestComments_NothingToExpand() {
	s.expectCandidates()
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(known(), nil)
	s.expectSyncState(JobComments)

	stats, err := s.newComments(s.publisher, 0).Sync(s.ctx)

	s.Require().NoError(err)
	s.Equal(domain.SyncStats{Job: JobComments, Duration: stats.Duration}, *stats)
}

func (s *SyncTestSuite) TestComments_CandidateQueryError() {
	s.items.EXPECT().FindCandidateParents(s.ctx, domain.SourceHackerNews).Return(nil, errors.New("db down"))

	stats, err := s.newComments(nil, 0).Sync(s.ctx)

	s.Nil(stats)
	s.ErrorContains(err, "find candidate parents")
}

func (s *SyncTestSuite) TestComments_ExistingIDsError() {
	s.expectCandidates(*hnStory(1, 10))
	s.items.EXPECT().GetExistingIDs(s.ctx).Return(nil, errors.New("db down"))

	stats, err := s.newComments(nil, 0).Sync(s.ctx)

	s.Nil(stats)
	s.ErrorContains(err, "get existing ids")
}
