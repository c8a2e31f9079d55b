package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Repository persists entries and enforces the lease protocol. Every method
// must be safe for concurrent use by workers in different processes.
type Repository interface {
	// AcquireBatch leases up to batchSize entries with RetryCount below
	// maxRetries that are Pending or hold an expired lease, and returns them
	// ordered by ID.
	AcquireBatch(ctx context.Context, holder string, leaseUntil time.Time, batchSize, maxRetries int) ([]*Entry, error)
	// ReleaseExpiredLeases returns expired Processing entries to Pending.
	ReleaseExpiredLeases(ctx context.Context) (int64, error)
	// UpdateBatch persists post-processing state for entries still leased by
	// holder. Entries whose lease moved on are skipped and reported through
	// an error wrapping ErrLeaseLost.
	UpdateBatch(ctx context.Context, holder string, entries []*Entry) error
	// ArchiveProcessedEntries removes at most batchSize entries processed
	// before olderThan.
	ArchiveProcessedEntries(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
}

// Recorder writes new entries inside the caller's transaction.
type Recorder interface {
	Add(ctx context.Context, tx *sql.Tx, entry *Entry) error
}

// FailedCounter reports terminal failures grouped by entity type.
type FailedCounter interface {
	CountFailedByEntityType(ctx context.Context) (map[string]int64, error)
}

// EntityStateReader reports whether an entity still exists.
type EntityStateReader interface {
	Exists(ctx context.Context, entityType, entityID string) (bool, error)
}
