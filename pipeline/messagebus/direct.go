package messagebus

import (
	"context"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/circuitbreaker"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

// TransportBreakerName is the circuit breaker guarding DirectBus sends.
const TransportBreakerName = "messagebus.transport"

// DirectOption configures a DirectBus.
type DirectOption func(*DirectBus)

// WithDirectLogger sets the bus logger.
func WithDirectLogger(logger log.Logger) DirectOption {
	return func(bus *DirectBus) {
		if !nilcheck.Interface(logger) {
			bus.logger = logger
		}
	}
}

// WithBreaker shares a circuit breaker manager with other components.
func WithBreaker(manager *circuitbreaker.Manager, cfg circuitbreaker.Config) DirectOption {
	return func(bus *DirectBus) {
		if manager != nil {
			bus.breaker = manager
			bus.breakerConfig = cfg
		}
	}
}

// WithDirectClock overrides time.Now.
func WithDirectClock(now func() time.Time) DirectOption {
	return func(bus *DirectBus) {
		if now != nil {
			bus.now = now
		}
	}
}

// DirectBus sends to the transport synchronously with no local durability.
type DirectBus struct {
	transport     Transport
	breaker       *circuitbreaker.Manager
	breakerConfig circuitbreaker.Config
	logger        log.Logger
	now           func() time.Time
}

var _ Bus = (*DirectBus)(nil)

// NewDirectBus creates a DirectBus over transport.
func NewDirectBus(transport Transport, opts ...DirectOption) (*DirectBus, error) {
	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	bus := &DirectBus{
		transport:     transport,
		breakerConfig: circuitbreaker.BrokerConfig(),
		logger:        log.NewNop(),
		now:           time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	if bus.breaker == nil {
		bus.breaker = circuitbreaker.NewManager(bus.logger)
	}

	bus.breaker.GetOrCreate(TransportBreakerName, bus.breakerConfig)

	return bus, nil
}

// Publish implements Bus.
func (bus *DirectBus) Publish(ctx context.Context, queue string, msg Message) error {
	return bus.send(ctx, queue, msg, nil)
}

// PublishDelayed implements Bus.
func (bus *DirectBus) PublishDelayed(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	return bus.send(ctx, queue, msg, deliverAfter(bus.now(), delay))
}

// PublishScheduled implements Bus.
func (bus *DirectBus) PublishScheduled(ctx context.Context, queue string, msg Message, at time.Time) error {
	return bus.send(ctx, queue, msg, &at)
}

func (bus *DirectBus) send(ctx context.Context, queue string, msg Message, deliverAt *time.Time) error {
	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "messagebus.direct.publish")
	defer span.End()

	env, err := NewEnvelope(ctx, queue, msg, deliverAt, bus.now())
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to build envelope", err)

		return err
	}

	span.SetAttributes(
		attribute.String("messagebus.queue", env.Queue),
		attribute.String("messagebus.message_type", env.MessageType),
	)

	_, err = bus.breaker.Execute(TransportBreakerName, func() (any, error) {
		return nil, bus.transport.Send(ctx, env)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to send message", err)
		log.SafeError(bus.logger, ctx, "failed to send message", err, true)

		return fmt.Errorf("sending to %s: %w", env.Queue, err)
	}

	return nil
}

// Healthy reports whether the transport breaker is closed.
func (bus *DirectBus) Healthy() bool {
	return bus.breaker.IsHealthy(TransportBreakerName)
}
