// Package nats publishes bus envelopes to a JetStream stream, one subject per
// queue. The idempotency key is sent as Nats-Msg-Id so the stream drops
// redelivered envelopes inside its duplicate window.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	natsgo "github.com/nats-io/nats.go"
)

const (
	HeaderMessageID   = "message-id"
	HeaderMessageType = "message-type"
	HeaderDeliverAt   = "deliver-at"

	DefaultSubjectPrefix   = "pipeline."
	DefaultStream          = "PIPELINE"
	DefaultDuplicateWindow = 2 * time.Hour
)

var (
	ErrConnRequired      = errors.New("nats connection is required")
	ErrJetStreamRequired = errors.New("jetstream context is required")
	ErrNoPubAck          = errors.New("jetstream returned no publish ack")
)

// Conn is the subset of *nats.Conn used by Transport.
type Conn interface {
	Drain() error
}

// JetStream is the subset of nats.JetStreamContext used by Transport.
type JetStream interface {
	PublishMsg(m *natsgo.Msg, opts ...natsgo.PubOpt) (*natsgo.PubAck, error)
	StreamInfo(stream string, opts ...natsgo.JSOpt) (*natsgo.StreamInfo, error)
	AddStream(cfg *natsgo.StreamConfig, opts ...natsgo.JSOpt) (*natsgo.StreamInfo, error)
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

// WithSubjectPrefix replaces DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithStream sets the stream EnsureStream creates and its duplicate window.
func WithStream(name string, duplicates time.Duration) Option {
	return func(t *Transport) {
		if name != "" {
			t.stream = name
		}

		if duplicates > 0 {
			t.duplicates = duplicates
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

// Transport implements messagebus.Transport over JetStream. Send returns nil
// only once the stream has acknowledged the message.
type Transport struct {
	conn       Conn
	js         JetStream
	prefix     string
	stream     string
	duplicates time.Duration
	logger     log.Logger
	now        func() time.Time
	fallback   messagebus.DelayFallback
}

var _ messagebus.Transport = (*Transport)(nil)

// NewTransport publishes through js and drains conn on Close.
func NewTransport(conn Conn, js JetStream, opts ...Option) (*Transport, error) {
	if nilcheck.Interface(conn) {
		return nil, ErrConnRequired
	}

	if nilcheck.Interface(js) {
		return nil, ErrJetStreamRequired
	}

	t := &Transport{
		conn:       conn,
		js:         js,
		prefix:     DefaultSubjectPrefix,
		stream:     DefaultStream,
		duplicates: DefaultDuplicateWindow,
		logger:     log.NewNop(),
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// EnsureStream creates the stream capturing every queue subject when it does
// not exist yet.
func (t *Transport) EnsureStream(ctx context.Context) error {
	_, err := t.js.StreamInfo(t.stream, natsgo.Context(ctx))
	if err == nil {
		return nil
	}

	if !errors.Is(err, natsgo.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", t.stream, err)
	}

	_, err = t.js.AddStream(&natsgo.StreamConfig{
		Name:       t.stream,
		Subjects:   []string{t.prefix + ">"},
		Storage:    natsgo.FileStorage,
		Duplicates: t.duplicates,
	}, natsgo.Context(ctx))
	if err != nil {
		return fmt.Errorf("add stream %s: %w", t.stream, err)
	}

	t.logger.Log(ctx, log.LevelInfo, "jetstream stream created",
		log.String("stream", t.stream), log.String("subjects", t.prefix+">"))

	return nil
}

// Subject returns the subject for queue.
func (t *Transport) Subject(queue string) string {
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
		t.fallback.Warn(ctx, t.logger, "nats", env)
	}

	msg := &natsgo.Msg{
		Subject: t.Subject(env.Queue),
		Header:  natsgo.Header{},
		Data:    env.Body,
	}

	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}

	msg.Header.Set(HeaderMessageID, env.MessageID)
	msg.Header.Set(HeaderMessageType, env.MessageType)
	msg.Header.Set(natsgo.MsgIdHdr, env.DedupKey())

	if env.DeliverAt != nil {
		msg.Header.Set(HeaderDeliverAt, env.DeliverAt.UTC().Format(time.RFC3339Nano))
	}

	ack, err := t.js.PublishMsg(msg, natsgo.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	if ack == nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, ErrNoPubAck)
	}

	if ack.Duplicate {
		t.logger.Log(ctx, log.LevelDebug, "jetstream dropped duplicate message",
			log.String("subject", msg.Subject), log.String("key", env.DedupKey()))
	}

	return nil
}

// Close drains the connection.
func (t *Transport) Close() error {
	return t.conn.Drain()
}
