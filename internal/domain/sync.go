package domain

import "time"

// SyncStats holds statistics about a single job run.
type SyncStats struct {
	Job       string
	Listed    int // candidate ids considered this run
	Fetched   int
	New       int
	Updated   int
	Skipped   int // absent upstream
	Deferred  int // left for a later run by the fetch budget
	Errors    int
	Published int
	Duration  time.Duration
}

// SyncState is the persisted bookkeeping for one job.
type SyncState struct {
	ID           int64     `db:"id"`
	Job          string    `db:"job"`
	LastSyncedAt time.Time `db:"last_synced_at"`
	LastItemID   int64     `db:"last_item_id"`
	TotalSynced  int64     `db:"total_synced"`
}
