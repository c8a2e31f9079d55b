// Package kafka sends bus envelopes to Kafka topics named after their queue.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	HeaderMessageID      = "message-id"
	HeaderMessageType    = "message-type"
	HeaderIdempotencyKey = "idempotency-key"
	HeaderDeliverAt      = "deliver-at"
)

var (
	ErrWriterRequired  = errors.New("kafka writer is required")
	ErrBrokersRequired = errors.New("at least one kafka broker is required")
)

// MessageWriter is the subset of *kafka.Writer used by Transport.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewWriter returns a writer that keys partitions by idempotency key and
// waits for all in-sync replicas.
func NewWriter(brokers ...string) (*kafkago.Writer, error) {
	addrs := make([]string, 0, len(brokers))

	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}

	if len(addrs) == 0 {
		return nil, ErrBrokersRequired
	}

	return &kafkago.Writer{
		Addr:                   kafkago.TCP(addrs...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}, nil
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

// WithTopicPrefix prefixes every topic name.
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
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

// Transport implements messagebus.Transport over Kafka. Kafka cannot defer
// delivery, so delayed envelopes are sent immediately with a deliver-at
// header consumers may honor.
type Transport struct {
	writer   MessageWriter
	prefix   string
	logger   log.Logger
	now      func() time.Time
	fallback messagebus.DelayFallback
}

var _ messagebus.Transport = (*Transport)(nil)

// NewTransport wraps writer.
func NewTransport(writer MessageWriter, opts ...Option) (*Transport, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	t := &Transport{writer: writer, logger: log.NewNop(), now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// Topic returns the topic envelopes for queue are written to.
func (t *Transport) Topic(queue string) string {
	return t.prefix + queue
}

// SupportsDelay implements messagebus.Transport.
func (t *Transport) SupportsDelay() bool { return false }

// Send implements messagebus.Transport.
func (t *Transport) Send(ctx context.Context, env *messagebus.Envelope) error {
	if env == nil {
		return messagebus.ErrEnvelopeRequired
	}

	if env.Queue == "" {
		return messagebus.ErrQueueRequired
	}

	if env.Delayed(t.now()) {
		t.fallback.Warn(ctx, t.logger, "kafka", env)
	}

	if err := t.writer.WriteMessages(ctx, toMessage(t.Topic(env.Queue), env)); err != nil {
		return fmt.Errorf("write to topic %s: %w", t.Topic(env.Queue), err)
	}

	return nil
}

// Close closes the writer.
func (t *Transport) Close() error {
	return t.writer.Close()
}

func toMessage(topic string, env *messagebus.Envelope) kafkago.Message {
	headers := make([]kafkago.Header, 0, len(env.Headers)+4)

	keys := make([]string, 0, len(env.Headers))
	for k := range env.Headers {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(env.Headers[k])})
	}

	headers = append(headers,
		kafkago.Header{Key: HeaderMessageID, Value: []byte(env.MessageID)},
		kafkago.Header{Key: HeaderMessageType, Value: []byte(env.MessageType)},
	)

	if env.IdempotencyKey != "" {
		headers = append(headers, kafkago.Header{Key: HeaderIdempotencyKey, Value: []byte(env.IdempotencyKey)})
	}

	if env.DeliverAt != nil {
		headers = append(headers, kafkago.Header{Key: HeaderDeliverAt, Value: []byte(env.DeliverAt.UTC().Format(time.RFC3339Nano))})
	}

	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(env.DedupKey()),
		Value:   env.Body,
		Headers: headers,
		Time:    env.CreatedAt,
	}
}

// EnvelopeFromMessage rebuilds a bus envelope from a consumed message.
func EnvelopeFromMessage(queue string, msg kafkago.Message) *messagebus.Envelope {
	env := &messagebus.Envelope{
		Queue:     queue,
		Body:      msg.Value,
		Headers:   map[string]string{},
		CreatedAt: msg.Time.UTC(),
	}

	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderMessageID:
			env.MessageID = string(h.Value)
		case HeaderMessageType:
			env.MessageType = string(h.Value)
		case HeaderIdempotencyKey:
			env.IdempotencyKey = string(h.Value)
		case HeaderDeliverAt:
			if at, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				env.DeliverAt = &at
			}
		default:
			env.Headers[h.Key] = string(h.Value)
		}
	}

	return env
}
