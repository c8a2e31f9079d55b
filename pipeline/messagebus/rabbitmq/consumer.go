package rabbitmq

import (
	"context"
	"fmt"
	"strings"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 16

// ConsumeChannel is the subset of *amqp.Channel used by Consumer.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithPrefetch sets the channel prefetch count.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// Consumer delivers messages from one queue to a handler. Failed deliveries
// are rejected without requeue, which routes them to the queue's DLQ.
type Consumer struct {
	ch       ConsumeChannel
	queue    string
	handler  messagebus.Handler
	prefetch int
	logger   log.Logger
}

var _ pipeline.App = (*Consumer)(nil)

// NewConsumer creates a Consumer for queue.
func NewConsumer(ch ConsumeChannel, queue string, handler messagebus.Handler, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if strings.TrimSpace(queue) == "" {
		return nil, messagebus.ErrQueueRequired
	}

	if handler == nil {
		return nil, messagebus.ErrHandlerRequired
	}

	c := &Consumer{ch: ch, queue: queue, handler: handler, prefetch: defaultPrefetch, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Run consumes until the launcher context ends.
func (c *Consumer) Run(launcher *pipeline.Launcher) error {
	return c.Consume(launcher.Context())
}

// Consume blocks until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Consume(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Log(ctx, log.LevelInfo, "consumer started", log.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Log(ctx, log.LevelWarn, "delivery channel closed", log.String("queue", c.queue))

				return nil
			}

			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			runtime.HandlePanicValue(ctx, c.logger, r, "rabbitmq", "consumer_"+c.queue)

			if nackErr := d.Nack(false, false); nackErr != nil {
				c.logger.Log(ctx, log.LevelError, "failed to nack delivery", log.Err(nackErr))
			}
		}
	}()

	env := EnvelopeFromDelivery(c.queue, d)
	msgCtx := opentelemetry.ExtractQueueTraceContext(ctx, d.Headers)

	if err := c.handler(msgCtx, env); err != nil {
		c.logger.Log(msgCtx, log.LevelWarn, "message handling failed; dead-lettering",
			log.String("queue", c.queue), log.String("message_id", d.MessageId), log.Err(err))

		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Log(msgCtx, log.LevelError, "failed to nack delivery", log.Err(nackErr))
		}

		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Log(msgCtx, log.LevelError, "failed to ack delivery", log.Err(err))
	}
}

// EnvelopeFromDelivery rebuilds the bus envelope carried by d.
func EnvelopeFromDelivery(queue string, d amqp.Delivery) *messagebus.Envelope {
	headers := make(map[string]string, len(d.Headers))

	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	key := headers[HeaderIdempotencyKey]
	delete(headers, HeaderIdempotencyKey)
	delete(headers, HeaderDeliverAt)

	return &messagebus.Envelope{
		MessageID:      d.MessageId,
		MessageType:    d.Type,
		IdempotencyKey: key,
		Queue:          queue,
		Body:           d.Body,
		Headers:        headers,
		CreatedAt:      d.Timestamp.UTC(),
	}
}
