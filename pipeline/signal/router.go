package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger log.Logger) RouterOption {
	return func(r *Router) {
		if !nilcheck.Interface(logger) {
			r.logger = logger
		}
	}
}

// WithQueues overrides the priority queues.
func WithQueues(q Queues) RouterOption {
	return func(r *Router) {
		r.queues = q.normalize()
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router publishes per-user signal batches to priority queues.
type Router struct {
	bus    messagebus.Bus
	queues Queues
	logger log.Logger
	now    func() time.Time
}

// NewRouter creates a Router publishing through bus.
func NewRouter(bus messagebus.Bus, opts ...RouterOption) (*Router, error) {
	if nilcheck.Interface(bus) {
		return nil, ErrBusRequired
	}

	r := &Router{bus: bus, queues: DefaultQueues(), logger: log.NewNop(), now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r, nil
}

// Route groups signals per user and routes every batch. All batches are
// attempted; failures are joined.
func (r *Router) Route(ctx context.Context, signals []messagebus.SignalRoutedEvent) error {
	var errs []error

	for _, batch := range GroupByUser(signals) {
		if _, err := r.RouteBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// RouteBatch publishes batch to the queue of its highest priority and
// returns that queue. A Window batch whose window has not started yet is
// scheduled for the earliest window start.
func (r *Router) RouteBatch(ctx context.Context, batch messagebus.SignalRoutedBatchEvent) (string, error) {
	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "signal.router.route_batch")
	defer span.End()

	if len(batch.Signals) == 0 {
		return "", ErrEmptyBatch
	}

	for _, s := range batch.Signals {
		if s.UserID != batch.UserID {
			opentelemetry.HandleSpanError(span, "mixed user batch", ErrMixedUserBatch)

			return "", fmt.Errorf("%w: batch %s", ErrMixedUserBatch, batch.BatchID)
		}
	}

	priority := batch.HighestPriority()

	queue, err := r.queues.For(priority)
	if err != nil {
		return "", err
	}

	span.SetAttributes(
		attribute.String("signal.batch_id", batch.BatchID),
		attribute.String("signal.priority", string(priority)),
		attribute.Int("signal.count", len(batch.Signals)),
	)

	if priority == PriorityWindow {
		if at, ok := EarliestWindowStart(batch); ok && at.After(r.now()) {
			err = r.bus.PublishScheduled(ctx, queue, batch, at)
		} else {
			err = r.bus.Publish(ctx, queue, batch)
		}
	} else {
		err = r.bus.Publish(ctx, queue, batch)
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to route signal batch", err)

		return "", fmt.Errorf("route batch %s to %s: %w", batch.BatchID, queue, err)
	}

	r.logger.Log(ctx, log.LevelDebug, "signal batch routed",
		log.String("batch_id", batch.BatchID),
		log.String("queue", queue),
		log.Int("signals", len(batch.Signals)),
	)

	return queue, nil
}
