package outbox

import (
	"strings"
	"time"
)

// Entry is one durable record of an entity change awaiting propagation.
type Entry struct {
	ID          int64
	EntityType  string
	EntityID    string
	Operation   Operation
	UserID      *string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	LeasedUntil *time.Time
	LeaseHolder *string
	RetryCount  int
	LastError   *string
	Status      Status
}

// NewEntry builds a Pending entry for a change.
func NewEntry(entityType, entityID string, op Operation, userID *string, now time.Time) (*Entry, error) {
	if strings.TrimSpace(entityType) == "" {
		return nil, ErrEntityTypeRequired
	}

	if strings.TrimSpace(entityID) == "" {
		return nil, ErrEntityIDRequired
	}

	if !op.IsValid() {
		return nil, ErrOperationInvalid
	}

	if userID != nil && strings.TrimSpace(*userID) == "" {
		userID = nil
	}

	return &Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		UserID:     userID,
		CreatedAt:  now.UTC(),
		Status:     StatusPending,
	}, nil
}

// LeaseExpired reports whether a Processing entry's lease ended before now.
func (e *Entry) LeaseExpired(now time.Time) bool {
	return e.Status == StatusProcessing && e.LeasedUntil != nil && e.LeasedUntil.Before(now)
}

// Acquirable reports whether the entry may be leased at now.
func (e *Entry) Acquirable(now time.Time) bool {
	return e.Status == StatusPending || e.LeaseExpired(now)
}

// TryAcquireLease leases the entry to holder until the given time. It
// succeeds only for Pending entries or Processing entries whose lease expired
// before now.
func (e *Entry) TryAcquireLease(holder string, until, now time.Time) bool {
	if !e.Acquirable(now) {
		return false
	}

	until = until.UTC()
	e.Status = StatusProcessing
	e.LeaseHolder = &holder
	e.LeasedUntil = &until

	return true
}

// MarkProcessed records successful propagation.
func (e *Entry) MarkProcessed(now time.Time) {
	processedAt := now.UTC()

	e.ProcessedAt = &processedAt
	e.Status = StatusProcessed
	e.clearLease()
}

// MarkFailed counts a failed attempt. The entry returns to Pending until the
// retry count reaches maxRetries, after which it is Failed for good.
func (e *Entry) MarkFailed(err error, maxRetries int) {
	e.RetryCount++

	msg := "unknown error"
	if err != nil {
		msg = sanitizeErrorForStorage(err)
	}

	e.LastError = &msg
	e.clearLease()

	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed

		return
	}

	e.Status = StatusPending
}

// ReleaseLease returns a Processing entry to Pending without counting a
// failure.
func (e *Entry) ReleaseLease() {
	if e.Status != StatusProcessing {
		return
	}

	e.Status = StatusPending
	e.clearLease()
}

// HeldBy reports whether holder owns the entry's lease.
func (e *Entry) HeldBy(holder string) bool {
	return e.Status == StatusProcessing && e.LeaseHolder != nil && *e.LeaseHolder == holder
}

func (e *Entry) clearLease() {
	e.LeaseHolder = nil
	e.LeasedUntil = nil
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}

	c := *e
	c.UserID = cloneString(e.UserID)
	c.LeaseHolder = cloneString(e.LeaseHolder)
	c.LastError = cloneString(e.LastError)
	c.ProcessedAt = cloneTime(e.ProcessedAt)
	c.LeasedUntil = cloneTime(e.LeasedUntil)

	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}

	v := *s

	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
