package domainevent

import (
	"context"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
)

// OutboxRecorder writes one outbox entry per ChangeEvent, inside the
// transaction carried by the context.
type OutboxRecorder struct {
	recorder outbox.Recorder
	now      func() time.Time
}

// NewOutboxRecorder creates an OutboxRecorder.
func NewOutboxRecorder(recorder outbox.Recorder) (*OutboxRecorder, error) {
	if nilcheck.Interface(recorder) {
		return nil, ErrRecorderRequired
	}

	return &OutboxRecorder{recorder: recorder, now: time.Now}, nil
}

// Handle implements Handler. Events that are not ChangeEvents are ignored.
func (r *OutboxRecorder) Handle(ctx context.Context, e Event) error {
	change, ok := e.(ChangeEvent)
	if !ok {
		return nil
	}

	tx, ok := pipeline.TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("record %s: %w", e.EventName(), outbox.ErrTransactionRequired)
	}

	c := change.Change()

	entry, err := outbox.NewEntry(c.EntityType, c.EntityID, c.Operation, c.UserID, r.now())
	if err != nil {
		return fmt.Errorf("record %s: %w", e.EventName(), err)
	}

	if err := r.recorder.Add(ctx, tx, entry); err != nil {
		return fmt.Errorf("record %s: %w", e.EventName(), err)
	}

	return nil
}
