package messagebus

import (
	"context"
	"time"
)

// Bus publishes messages to named queues.
type Bus interface {
	// Publish enqueues msg for immediate delivery.
	Publish(ctx context.Context, queue string, msg Message) error
	// PublishDelayed enqueues msg for delivery after delay.
	PublishDelayed(ctx context.Context, queue string, msg Message, delay time.Duration) error
	// PublishScheduled enqueues msg for delivery at at.
	PublishScheduled(ctx context.Context, queue string, msg Message, at time.Time) error
}

func deliverAfter(now time.Time, delay time.Duration) *time.Time {
	if delay <= 0 {
		return nil
	}

	at := now.Add(delay)

	return &at
}
