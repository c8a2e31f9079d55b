package messagebus

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MessageStatus is the lifecycle state of a stored envelope.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageDead    MessageStatus = "dead"
)

// StoredMessage is an envelope held by a MessageStore.
type StoredMessage struct {
	ID          int64
	Envelope    *Envelope
	Status      MessageStatus
	Attempts    int
	LastError   *string
	LeaseHolder *string
	LeasedUntil *time.Time
	SentAt      *time.Time
}

// MessageStore is the local durable queue behind OutboxedBus.
type MessageStore interface {
	// Enqueue stores env, joining tx when it is not nil. It reports false
	// when an envelope with the same idempotency key already exists.
	Enqueue(ctx context.Context, tx *sql.Tx, env *Envelope) (bool, error)
	// LeaseDue leases up to limit pending envelopes whose delivery time has
	// come, plus sending envelopes whose lease expired, ordered by ID.
	LeaseDue(ctx context.Context, holder string, until time.Time, limit int) ([]*StoredMessage, error)
	MarkSent(ctx context.Context, holder string, id int64) error
	// Reschedule returns a leased envelope to pending with a new delivery time.
	Reschedule(ctx context.Context, holder string, id int64, deliverAt time.Time, attempts int, lastErr string) error
	MarkDead(ctx context.Context, holder string, id int64, attempts int, lastErr string) error
	// CountDeadByQueue reports dead-lettered envelopes per queue.
	CountDeadByQueue(ctx context.Context) (map[string]int64, error)
	// ArchiveSent removes at most batchSize envelopes sent before olderThan.
	ArchiveSent(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
}

// MemoryStore is an in-process MessageStore for tests and local runs. The
// transaction argument of Enqueue is ignored.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*StoredMessage
	keys     map[string]int64
	now      func() time.Time
}

var _ MessageStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[int64]*StoredMessage),
		keys:     make(map[string]int64),
		now:      time.Now,
	}
}

// Enqueue implements MessageStore.
func (s *MemoryStore) Enqueue(_ context.Context, _ *sql.Tx, env *Envelope) (bool, error) {
	if env == nil {
		return false, ErrEnvelopeRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if env.IdempotencyKey != "" {
		if _, exists := s.keys[env.IdempotencyKey]; exists {
			return false, nil
		}
	}

	s.nextID++

	copied := *env
	s.messages[s.nextID] = &StoredMessage{ID: s.nextID, Envelope: &copied, Status: MessagePending}

	if env.IdempotencyKey != "" {
		s.keys[env.IdempotencyKey] = s.nextID
	}

	return true, nil
}

// LeaseDue implements MessageStore.
func (s *MemoryStore) LeaseDue(_ context.Context, holder string, until time.Time, limit int) ([]*StoredMessage, error) {
	if strings.TrimSpace(holder) == "" {
		return nil, ErrHolderRequired
	}

	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	ids := make([]int64, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	leased := make([]*StoredMessage, 0, limit)

	for _, id := range ids {
		if len(leased) == limit {
			break
		}

		msg := s.messages[id]
		if !memoryDue(msg, now) {
			continue
		}

		h := holder
		u := until
		msg.Status = MessageSending
		msg.LeaseHolder = &h
		msg.LeasedUntil = &u

		copied := *msg
		leased = append(leased, &copied)
	}

	return leased, nil
}

func memoryDue(msg *StoredMessage, now time.Time) bool {
	switch msg.Status {
	case MessagePending:
		return msg.Envelope.DeliverAt == nil || !msg.Envelope.DeliverAt.After(now)
	case MessageSending:
		return msg.LeasedUntil != nil && msg.LeasedUntil.Before(now)
	default:
		return false
	}
}

// MarkSent implements MessageStore.
func (s *MemoryStore) MarkSent(_ context.Context, holder string, id int64) error {
	sentAt := s.now().UTC()

	return s.settle(holder, id, func(msg *StoredMessage) {
		msg.Status = MessageSent
		msg.SentAt = &sentAt
	})
}

// Reschedule implements MessageStore.
func (s *MemoryStore) Reschedule(_ context.Context, holder string, id int64, deliverAt time.Time, attempts int, lastErr string) error {
	return s.settle(holder, id, func(msg *StoredMessage) {
		at := deliverAt.UTC()
		msg.Status = MessagePending
		msg.Attempts = attempts
		msg.LastError = &lastErr
		env := *msg.Envelope
		env.DeliverAt = &at
		msg.Envelope = &env
	})
}

// MarkDead implements MessageStore.
func (s *MemoryStore) MarkDead(_ context.Context, holder string, id int64, attempts int, lastErr string) error {
	return s.settle(holder, id, func(msg *StoredMessage) {
		msg.Status = MessageDead
		msg.Attempts = attempts
		msg.LastError = &lastErr
	})
}

func (s *MemoryStore) settle(holder string, id int64, apply func(*StoredMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok || msg.Status != MessageSending || msg.LeaseHolder == nil || *msg.LeaseHolder != holder {
		return fmt.Errorf("%w: message %d", ErrLeaseLost, id)
	}

	apply(msg)

	msg.LeaseHolder = nil
	msg.LeasedUntil = nil

	return nil
}

// CountDeadByQueue implements MessageStore.
func (s *MemoryStore) CountDeadByQueue(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64)

	for _, msg := range s.messages {
		if msg.Status == MessageDead {
			counts[msg.Envelope.Queue]++
		}
	}

	return counts, nil
}

// ArchiveSent implements MessageStore.
func (s *MemoryStore) ArchiveSent(_ context.Context, olderThan time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, ErrBatchSizeInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0)

	for id, msg := range s.messages {
		if msg.Status == MessageSent && msg.SentAt != nil && msg.SentAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) > batchSize {
		ids = ids[:batchSize]
	}

	for _, id := range ids {
		if key := s.messages[id].Envelope.IdempotencyKey; key != "" {
			delete(s.keys, key)
		}

		delete(s.messages, id)
	}

	return int64(len(ids)), nil
}

// Messages returns copies of every stored message ordered by ID.
func (s *MemoryStore) Messages() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StoredMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, *msg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}
