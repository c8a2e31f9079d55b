// Package memory is an in-process outbox.Repository. Every mutation applies
// the entry state machine under one mutex, which gives the same lease
// exclusivity as the PostgreSQL repository within a single process.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
)

var (
	_ outbox.Repository    = (*Repository)(nil)
	_ outbox.Recorder      = (*Repository)(nil)
	_ outbox.FailedCounter = (*Repository)(nil)
)

// Repository keeps entries in a map keyed by ID.
type Repository struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*outbox.Entry
	now     func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns an empty repository.
func New(opts ...Option) *Repository {
	r := &Repository{
		entries: make(map[int64]*outbox.Entry),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Add stores a copy of entry and assigns its ID. tx is ignored.
func (r *Repository) Add(_ context.Context, _ *sql.Tx, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrEntryRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry.ID = r.nextID

	if entry.Status == "" {
		entry.Status = outbox.StatusPending
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	r.entries[entry.ID] = entry.Clone()

	return nil
}

// AcquireBatch implements outbox.Repository.
func (r *Repository) AcquireBatch(_ context.Context, holder string, leaseUntil time.Time, batchSize, maxRetries int) ([]*outbox.Entry, error) {
	if strings.TrimSpace(holder) == "" {
		return nil, outbox.ErrHolderRequired
	}

	if batchSize <= 0 {
		return nil, outbox.ErrBatchSizeInvalid
	}

	if maxRetries <= 0 {
		return nil, outbox.ErrMaxRetriesInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	if !leaseUntil.After(now) {
		return nil, outbox.ErrLeaseExpiryInPast
	}

	acquired := make([]*outbox.Entry, 0, batchSize)

	for _, id := range r.sortedIDs() {
		if len(acquired) == batchSize {
			break
		}

		e := r.entries[id]
		if e.RetryCount >= maxRetries {
			continue
		}

		if e.TryAcquireLease(holder, leaseUntil, now) {
			acquired = append(acquired, e.Clone())
		}
	}

	return acquired, nil
}

// ReleaseExpiredLeases implements outbox.Repository.
func (r *Repository) ReleaseExpiredLeases(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	var released int64

	for _, e := range r.entries {
		if e.LeaseExpired(now) {
			e.ReleaseLease()
			released++
		}
	}

	return released, nil
}

// UpdateBatch implements outbox.Repository.
func (r *Repository) UpdateBatch(_ context.Context, holder string, entries []*outbox.Entry) error {
	if strings.TrimSpace(holder) == "" {
		return outbox.ErrHolderRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for _, e := range entries {
		if e == nil {
			continue
		}

		stored, ok := r.entries[e.ID]
		if !ok || !stored.HeldBy(holder) {
			errs = append(errs, fmt.Errorf("%w: entry %d", outbox.ErrLeaseLost, e.ID))

			continue
		}

		updated := e.Clone()
		updated.EntityType = stored.EntityType
		updated.EntityID = stored.EntityID
		updated.CreatedAt = stored.CreatedAt
		r.entries[e.ID] = updated
	}

	return errors.Join(errs...)
}

// ArchiveProcessedEntries implements outbox.Repository.
func (r *Repository) ArchiveProcessedEntries(_ context.Context, olderThan time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, outbox.ErrBatchSizeInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64

	for _, id := range r.sortedIDs() {
		if removed == int64(batchSize) {
			break
		}

		e := r.entries[id]
		if e.ProcessedAt != nil && e.ProcessedAt.Before(olderThan) {
			delete(r.entries, id)
			removed++
		}
	}

	return removed, nil
}

// CountFailedByEntityType implements outbox.FailedCounter.
func (r *Repository) CountFailedByEntityType(_ context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int64)

	for _, e := range r.entries {
		if e.Status == outbox.StatusFailed {
			counts[e.EntityType]++
		}
	}

	return counts, nil
}

// Get returns a copy of the entry with id.
func (r *Repository) Get(id int64) (*outbox.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]

	return e.Clone(), ok
}

// Len reports how many entries are stored.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

func (r *Repository) sortedIDs() []int64 {
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}
