package messagebus

import (
	"context"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

// OutboxedOption configures an OutboxedBus.
type OutboxedOption func(*OutboxedBus)

// WithOutboxedLogger sets the bus logger.
func WithOutboxedLogger(logger log.Logger) OutboxedOption {
	return func(bus *OutboxedBus) {
		if !nilcheck.Interface(logger) {
			bus.logger = logger
		}
	}
}

// WithOutboxedClock overrides time.Now.
func WithOutboxedClock(now func() time.Time) OutboxedOption {
	return func(bus *OutboxedBus) {
		if now != nil {
			bus.now = now
		}
	}
}

// OutboxedBus writes envelopes to a MessageStore and returns. A Forwarder
// delivers them. When ctx carries a transaction (pipeline.ContextWithTx) the
// envelope is written inside it.
type OutboxedBus struct {
	store  MessageStore
	logger log.Logger
	now    func() time.Time
}

var _ Bus = (*OutboxedBus)(nil)

// NewOutboxedBus creates an OutboxedBus.
func NewOutboxedBus(store MessageStore, opts ...OutboxedOption) (*OutboxedBus, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	bus := &OutboxedBus{store: store, logger: log.NewNop(), now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	return bus, nil
}

// Publish implements Bus.
func (bus *OutboxedBus) Publish(ctx context.Context, queue string, msg Message) error {
	return bus.enqueue(ctx, queue, msg, nil)
}

// PublishDelayed implements Bus.
func (bus *OutboxedBus) PublishDelayed(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	return bus.enqueue(ctx, queue, msg, deliverAfter(bus.now(), delay))
}

// PublishScheduled implements Bus.
func (bus *OutboxedBus) PublishScheduled(ctx context.Context, queue string, msg Message, at time.Time) error {
	return bus.enqueue(ctx, queue, msg, &at)
}

func (bus *OutboxedBus) enqueue(ctx context.Context, queue string, msg Message, deliverAt *time.Time) error {
	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "messagebus.outboxed.publish")
	defer span.End()

	env, err := NewEnvelope(ctx, queue, msg, deliverAt, bus.now())
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to build envelope", err)

		return err
	}

	tx, _ := pipeline.TxFromContext(ctx)

	span.SetAttributes(
		attribute.String("messagebus.queue", env.Queue),
		attribute.String("messagebus.message_type", env.MessageType),
		attribute.Bool("messagebus.in_transaction", tx != nil),
	)

	inserted, err := bus.store.Enqueue(ctx, tx, env)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to store message", err)
		log.SafeError(bus.logger, ctx, "failed to store message", err, true)

		return fmt.Errorf("storing message for %s: %w", env.Queue, err)
	}

	if !inserted {
		bus.logger.Log(ctx, log.LevelDebug, "message already stored; duplicate dropped",
			log.String("queue", env.Queue), log.String("idempotency_key", env.IdempotencyKey))
	}

	return nil
}
