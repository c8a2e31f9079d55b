package domainevent

import (
	"context"
	"fmt"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MaxIterations bounds cascading dispatch.
const MaxIterations = 10

// DispatchResult reports one Dispatch call.
type DispatchResult struct {
	Iterations int
	Published  int
	// Pending counts events still attached when the cap was reached.
	Pending    int
	CapReached bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(logger) {
			d.logger = logger
		}
	}
}

// WithMeterProvider injects a meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(provider) {
			d.provider = provider
		}
	}
}

// Dispatcher publishes the events of a unit of work synchronously.
type Dispatcher struct {
	publisher  Publisher
	logger     log.Logger
	provider   metric.MeterProvider
	capReached metric.Int64Counter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(publisher Publisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	d := &Dispatcher{publisher: publisher, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	if d.provider == nil {
		d.provider = otel.GetMeterProvider()
	}

	counter, err := d.provider.Meter("pipeline.domainevent").Int64Counter(
		"domainevent.dispatch.cap_reached",
		metric.WithDescription("Number of dispatches stopped at the iteration cap with events pending"),
	)
	if err != nil {
		return nil, fmt.Errorf("create domainevent.dispatch.cap_reached counter: %w", err)
	}

	d.capReached = counter

	return d, nil
}

// Dispatch publishes every event raised on the tracked entities, including
// events raised by handlers, until none remain or MaxIterations rounds ran.
// Hitting the cap is logged and counted but does not fail the dispatch. A
// handler error stops dispatch and is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, uow *UnitOfWork) (DispatchResult, error) {
	if uow == nil {
		return DispatchResult{}, ErrUnitOfWorkNil
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "domainevent.dispatch")
	defer span.End()

	var result DispatchResult

	for result.Iterations < MaxIterations {
		events := uow.collect()
		if len(events) == 0 {
			break
		}

		result.Iterations++

		for _, e := range events {
			if err := d.publisher.Publish(ctx, e); err != nil {
				opentelemetry.HandleSpanError(span, "domain event handler failed", err)

				return result, fmt.Errorf("dispatch iteration %d: %w", result.Iterations, err)
			}

			result.Published++
		}
	}

	span.SetAttributes(
		attribute.Int("domainevent.iterations", result.Iterations),
		attribute.Int("domainevent.published", result.Published),
	)

	if result.Iterations == MaxIterations {
		if pending := uow.pending(); pending > 0 {
			result.Pending = pending
			result.CapReached = true

			d.capReached.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("domainevent.cap_reached", true))

			d.logger.Log(ctx, log.LevelError, "domain event dispatch reached iteration cap",
				log.Int("iterations", result.Iterations),
				log.Int("published", result.Published),
				log.Int("pending", pending),
			)
		}
	}

	return result, nil
}
