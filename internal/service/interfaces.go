package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"hn_syncer/internal/domain"
)

type ItemStore interface {
	Upsert(ctx context.Context, item *domain.Item, fields []domain.Field) (*domain.Item, bool, error)
	BulkApplyUpdates(ctx context.Context, items []domain.Item, fields []domain.Field) error
	GetExistingIDs(ctx context.Context) (map[int64]struct{}, error)
	FindCandidateParents(ctx context.Context, source string) ([]domain.Item, error)
}

type SyncStateStore interface {
	Get(ctx context.Context, job string) (*domain.SyncState, error)
	Update(ctx context.Context, state *domain.SyncState) error
}

// Source returns nil items, without an error, for ids the remote API does not
// know or cannot describe.
type Source interface {
	ID() string
	Name() string
	FetchTopIDs(ctx context.Context, limit int) ([]int64, error)
	FetchItem(ctx context.Context, id int64) (*domain.Item, error)
}

type Publisher interface {
	Publish(ctx context.Context, item *domain.Item, isNew bool) error
	Close() error
}
