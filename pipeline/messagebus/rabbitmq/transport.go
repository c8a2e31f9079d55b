package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	HeaderIdempotencyKey = "x-idempotency-key"
	HeaderDelay          = "x-delay"
	HeaderDeliverAt      = "x-deliver-at"

	DefaultConfirmTimeout = 5 * time.Second
	confirmChannelBuffer  = 1
)

var (
	ErrPublishNacked         = errors.New("publish was nacked by the broker")
	ErrConfirmOutOfOrder     = errors.New("confirmation arrived for an unknown delivery tag")
	ErrConfirmTimeout        = errors.New("confirmation timed out")
	ErrConfirmModeRequired   = errors.New("channel does not support confirm mode")
	ErrTransportClosed       = errors.New("rabbitmq transport is closed")
	ErrEnvelopeQueueRequired = errors.New("envelope queue is required")
)

// PublishChannel is the subset of *amqp.Channel used for confirmed publishing.
type PublishChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger log.Logger) Option {
	return func(t *Transport) {
		if !nilcheck.Interface(logger) {
			t.logger = logger
		}
	}
}

// WithExchange sets the exchange envelopes are published to.
func WithExchange(exchange string, delayed bool) Option {
	return func(t *Transport) {
		if exchange != "" {
			t.exchange = exchange
		}

		t.delayed = delayed
	}
}

// WithConfirmTimeout bounds the wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		if timeout > 0 {
			t.confirmTimeout = timeout
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Transport publishes envelopes with publisher confirms. Sends are serialized
// and each waits for the confirmation carrying its own delivery tag; late
// confirmations of timed-out sends are discarded.
type Transport struct {
	ch             PublishChannel
	confirms       chan amqp.Confirmation
	exchange       string
	delayed        bool
	confirmTimeout time.Duration
	logger         log.Logger
	now            func() time.Time
	fallback       messagebus.DelayFallback

	mu     sync.Mutex
	closed bool
	tag    uint64
}

var _ messagebus.Transport = (*Transport)(nil)

// NewTransport enables confirm mode on ch and returns a Transport.
func NewTransport(ch PublishChannel, opts ...Option) (*Transport, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	t := &Transport{
		ch:             ch,
		exchange:       DefaultExchange,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
		now:            time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeRequired, err)
	}

	t.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))

	return t, nil
}

// SupportsDelay implements messagebus.Transport.
func (t *Transport) SupportsDelay() bool { return t.delayed }

// Send implements messagebus.Transport.
func (t *Transport) Send(ctx context.Context, env *messagebus.Envelope) error {
	if env == nil {
		return messagebus.ErrEnvelopeRequired
	}

	if env.Queue == "" {
		return ErrEnvelopeQueueRequired
	}

	publishing := t.publishing(ctx, env)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	if err := t.ch.PublishWithContext(ctx, t.exchange, env.Queue, true, false, publishing); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	t.tag++

	err := t.waitForConfirm(ctx, t.tag)
	if errors.Is(err, ErrConfirmOutOfOrder) {
		t.invalidate()
	}

	return err
}

func (t *Transport) publishing(ctx context.Context, env *messagebus.Envelope) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range env.Headers {
		headers[k] = v
	}

	if env.IdempotencyKey != "" {
		headers[HeaderIdempotencyKey] = env.IdempotencyKey
	}

	now := t.now()

	if env.Delayed(now) {
		headers[HeaderDeliverAt] = env.DeliverAt.UTC().Format(time.RFC3339Nano)

		if t.delayed {
			headers[HeaderDelay] = env.DeliverAt.Sub(now).Milliseconds()
		} else {
			t.fallback.Warn(ctx, t.logger, "rabbitmq", env)
		}
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Type:         env.MessageType,
		Timestamp:    env.CreatedAt,
		Body:         env.Body,
	}
}

// waitForConfirm must be called with t.mu held.
func (t *Transport) waitForConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(t.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirmed, ok := <-t.confirms:
			if !ok {
				t.closed = true

				return ErrTransportClosed
			}

			if confirmed.DeliveryTag < tag {
				t.logger.Log(ctx, log.LevelWarn, "discarding late publish confirmation",
					log.Any("delivery_tag", confirmed.DeliveryTag), log.Bool("ack", confirmed.Ack))

				continue
			}

			if confirmed.DeliveryTag > tag {
				return fmt.Errorf("%w: got=%d want=%d", ErrConfirmOutOfOrder, confirmed.DeliveryTag, tag)
			}

			if !confirmed.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
			}

			return nil
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		}
	}
}

// invalidate closes a channel whose confirm stream can no longer be trusted.
// It must be called with t.mu held.
func (t *Transport) invalidate() {
	t.closed = true

	if err := t.ch.Close(); err != nil {
		t.logger.Log(context.Background(), log.LevelWarn, "failed to close publish channel", log.Err(err))
	}
}

// Close closes the channel. Further sends fail with ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	return t.ch.Close()
}
