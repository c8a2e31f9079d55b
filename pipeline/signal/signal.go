package signal

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
)

type (
	Priority   = messagebus.Priority
	WindowType = messagebus.WindowType
)

const (
	PriorityUrgent = messagebus.PriorityUrgent
	PriorityWindow = messagebus.PriorityWindow
	PriorityBatch  = messagebus.PriorityBatch

	WindowNone    = messagebus.WindowNone
	WindowMorning = messagebus.WindowMorning
	WindowEvening = messagebus.WindowEvening
	WindowWeekly  = messagebus.WindowWeekly
)

// Default queue names.
const (
	QueueEmbeddings = "embeddings-pending"
	QueueUrgent     = "signals-urgent"
	QueueWindow     = "signals-window"
	QueueBatch      = "signals-batch"
)

// Queues maps priorities to queue names.
type Queues struct {
	Urgent string `env:"SIGNAL_QUEUE_URGENT"`
	Window string `env:"SIGNAL_QUEUE_WINDOW"`
	Batch  string `env:"SIGNAL_QUEUE_BATCH"`
}

// DefaultQueues returns the default queue names.
func DefaultQueues() Queues {
	return Queues{Urgent: QueueUrgent, Window: QueueWindow, Batch: QueueBatch}
}

func (q Queues) normalize() Queues {
	def := DefaultQueues()

	if strings.TrimSpace(q.Urgent) == "" {
		q.Urgent = def.Urgent
	}

	if strings.TrimSpace(q.Window) == "" {
		q.Window = def.Window
	}

	if strings.TrimSpace(q.Batch) == "" {
		q.Batch = def.Batch
	}

	return q
}

// For returns the queue for priority p.
func (q Queues) For(p Priority) (string, error) {
	q = q.normalize()

	switch p {
	case PriorityUrgent:
		return q.Urgent, nil
	case PriorityWindow:
		return q.Window, nil
	case PriorityBatch:
		return q.Batch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrPriorityInvalid, p)
	}
}

// All returns the configured queue names, most urgent first.
func (q Queues) All() []string {
	q = q.normalize()

	return []string{q.Urgent, q.Window, q.Batch}
}

// NewBatch groups signals for one user. Signal order is preserved.
func NewBatch(signals []messagebus.SignalRoutedEvent) (messagebus.SignalRoutedBatchEvent, error) {
	if len(signals) == 0 {
		return messagebus.SignalRoutedBatchEvent{}, ErrEmptyBatch
	}

	userID := signals[0].UserID
	if strings.TrimSpace(userID) == "" {
		return messagebus.SignalRoutedBatchEvent{}, ErrUserRequired
	}

	keys := make([]string, 0, len(signals)+1)

	for _, s := range signals {
		if s.UserID != userID {
			return messagebus.SignalRoutedBatchEvent{}, fmt.Errorf("%w: %q and %q", ErrMixedUserBatch, userID, s.UserID)
		}

		keys = append(keys, s.EventID)
	}

	keys = append(keys, "user:"+userID)

	return messagebus.SignalRoutedBatchEvent{
		BatchID: messagebus.BatchID(messagebus.TypeSignalRoutedBatch, keys...),
		UserID:  userID,
		Signals: append([]messagebus.SignalRoutedEvent(nil), signals...),
	}, nil
}

// GroupByUser splits signals into one batch per user, ordered by user ID.
// Signals without a user are dropped.
func GroupByUser(signals []messagebus.SignalRoutedEvent) []messagebus.SignalRoutedBatchEvent {
	byUser := make(map[string][]messagebus.SignalRoutedEvent)

	for _, s := range signals {
		if strings.TrimSpace(s.UserID) == "" {
			continue
		}

		byUser[s.UserID] = append(byUser[s.UserID], s)
	}

	users := make([]string, 0, len(byUser))
	for user := range byUser {
		users = append(users, user)
	}

	sort.Strings(users)

	batches := make([]messagebus.SignalRoutedBatchEvent, 0, len(users))

	for _, user := range users {
		// Cannot fail: the group is non-empty and uniform.
		batch, _ := NewBatch(byUser[user])
		batches = append(batches, batch)
	}

	return batches
}

// EarliestWindowStart returns the earliest ScheduledWindowStart among the
// batch's window-priority signals.
func EarliestWindowStart(batch messagebus.SignalRoutedBatchEvent) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)

	for _, s := range batch.Signals {
		if s.Priority != PriorityWindow || s.ScheduledWindowStart == nil {
			continue
		}

		if !found || s.ScheduledWindowStart.Before(earliest) {
			earliest, found = *s.ScheduledWindowStart, true
		}
	}

	return earliest, found
}
