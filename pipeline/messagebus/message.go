package messagebus

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types understood by the codec.
const (
	TypeEntityChanged      = "entity.changed"
	TypeEntityChangedBatch = "entity.changed.batch"
	TypeSignalRouted       = "signal.routed"
	TypeSignalRoutedBatch  = "signal.routed.batch"
)

// batchNamespace seeds the UUIDv5 batch identifiers.
var batchNamespace = uuid.MustParse("4f0c3c8e-8a52-5c1e-9d2a-6b1f2e7d9a40")

// Message is anything the bus can publish.
type Message interface {
	MessageType() string
}

// IdempotencyKeyer is implemented by messages that carry a transport
// deduplication key. Messages without it are published without one.
type IdempotencyKeyer interface {
	IdempotencyKey() string
}

// IdempotencyKeyOf returns the key of msg, or "" when msg has none.
func IdempotencyKeyOf(msg Message) string {
	keyer, ok := msg.(IdempotencyKeyer)
	if !ok {
		return ""
	}

	return strings.TrimSpace(keyer.IdempotencyKey())
}

// EntityChangedEvent reports that an entity was created, updated or deleted.
// Operation holds the outbox operation name.
type EntityChangedEvent struct {
	EventID          string    `json:"eventId"`
	EntityType       string    `json:"entityType"`
	EntityID         string    `json:"entityId"`
	Operation        string    `json:"operation"`
	UserID           *string   `json:"userId,omitempty"`
	DomainEventTypes []string  `json:"domainEventTypes,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	CorrelationID    string    `json:"correlationId,omitempty"`
}

func (EntityChangedEvent) MessageType() string { return TypeEntityChanged }

// EntityChangedBatchEvent groups the changes handled in one relay cycle.
type EntityChangedBatchEvent struct {
	BatchID       string               `json:"batchId"`
	Events        []EntityChangedEvent `json:"events"`
	CreatedAt     time.Time            `json:"createdAt"`
	CorrelationID string               `json:"correlationId,omitempty"`
}

func (EntityChangedBatchEvent) MessageType() string { return TypeEntityChangedBatch }

// IdempotencyKey returns the batch identifier.
func (e EntityChangedBatchEvent) IdempotencyKey() string { return e.BatchID }

// NewEntityChangedBatchEvent builds a batch whose BatchID is derived from the
// outbox entry IDs it covers, so rebuilding the same batch after a lease
// retry yields the same key.
func NewEntityChangedBatchEvent(entryIDs []int64, events []EntityChangedEvent, now time.Time, correlationID string) EntityChangedBatchEvent {
	keys := make([]string, 0, len(entryIDs))
	for _, id := range entryIDs {
		keys = append(keys, strconv.FormatInt(id, 10))
	}

	return EntityChangedBatchEvent{
		BatchID:       BatchID(TypeEntityChangedBatch, keys...),
		Events:        events,
		CreatedAt:     now.UTC(),
		CorrelationID: correlationID,
	}
}

// SignalRoutedEvent is a derived signal addressed to one user.
type SignalRoutedEvent struct {
	EventID              string     `json:"eventId"`
	UserID               string     `json:"userId"`
	EventType            string     `json:"eventType"`
	Priority             Priority   `json:"priority"`
	WindowType           WindowType `json:"windowType"`
	TargetEntityType     *string    `json:"targetEntityType,omitempty"`
	TargetEntityID       *string    `json:"targetEntityId,omitempty"`
	ScheduledWindowStart *time.Time `json:"scheduledWindowStart,omitempty"`
}

func (SignalRoutedEvent) MessageType() string { return TypeSignalRouted }

// SignalRoutedBatchEvent carries signals for a single user.
type SignalRoutedBatchEvent struct {
	BatchID string              `json:"batchId"`
	UserID  string              `json:"userId"`
	Signals []SignalRoutedEvent `json:"signals"`
}

func (SignalRoutedBatchEvent) MessageType() string { return TypeSignalRoutedBatch }

// IdempotencyKey returns the batch identifier.
func (b SignalRoutedBatchEvent) IdempotencyKey() string { return b.BatchID }

// HighestPriority returns the most urgent priority in the batch.
func (b SignalRoutedBatchEvent) HighestPriority() Priority {
	highest := PriorityBatch

	for _, s := range b.Signals {
		if s.Priority.Rank() > highest.Rank() {
			highest = s.Priority
		}
	}

	return highest
}

// BatchID derives a UUIDv5 from kind and the sorted keys. The result does not
// depend on key order.
func BatchID(kind string, keys ...string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	name := kind + "|" + strings.Join(sorted, ",")

	return uuid.NewSHA1(batchNamespace, []byte(name)).String()
}

// Priority orders signals by urgency.
type Priority string

const (
	PriorityUrgent Priority = "Urgent"
	PriorityWindow Priority = "Window"
	PriorityBatch  Priority = "Batch"
)

// Rank returns a comparable urgency; higher is more urgent. Unknown
// priorities rank below Batch.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityWindow:
		return 2
	case PriorityBatch:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool { return p.Rank() > 0 }

// WindowType names the delivery window a signal is aligned to.
type WindowType string

const (
	WindowNone    WindowType = "None"
	WindowMorning WindowType = "Morning"
	WindowEvening WindowType = "Evening"
	WindowWeekly  WindowType = "Weekly"
)
