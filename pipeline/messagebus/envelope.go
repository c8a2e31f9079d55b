package messagebus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the transport-neutral form of a published message.
type Envelope struct {
	MessageID      string            `json:"messageId"`
	MessageType    string            `json:"messageType"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Queue          string            `json:"queue"`
	Body           []byte            `json:"body"`
	Headers        map[string]string `json:"headers,omitempty"`
	DeliverAt      *time.Time        `json:"deliverAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// NewEnvelope encodes msg for queue. A nil deliverAt, or one not after now,
// means immediate delivery. The current trace context is copied into Headers.
func NewEnvelope(ctx context.Context, queue string, msg Message, deliverAt *time.Time, now time.Time) (*Envelope, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, ErrQueueRequired
	}

	if nilcheck.Interface(msg) {
		return nil, ErrMessageRequired
	}

	messageType := strings.TrimSpace(msg.MessageType())
	if messageType == "" {
		return nil, ErrMessageTypeRequired
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", messageType, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	env := &Envelope{
		MessageID:      id.String(),
		MessageType:    messageType,
		IdempotencyKey: IdempotencyKeyOf(msg),
		Queue:          queue,
		Body:           body,
		Headers:        opentelemetry.InjectQueueTraceContext(ctx),
		CreatedAt:      now.UTC(),
	}

	if deliverAt != nil && deliverAt.After(now) {
		at := deliverAt.UTC()
		env.DeliverAt = &at
	}

	return env, nil
}

// Delayed reports whether the envelope asks for delivery after now.
func (env *Envelope) Delayed(now time.Time) bool {
	return env != nil && env.DeliverAt != nil && env.DeliverAt.After(now)
}

// DedupKey returns the idempotency key, falling back to the message id.
func (env *Envelope) DedupKey() string {
	if env == nil {
		return ""
	}

	if env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}

	return env.MessageID
}

// HeaderMap converts Headers for trace extraction.
func (env *Envelope) HeaderMap() map[string]any {
	headers := make(map[string]any, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}

	return headers
}

// MarshalEnvelope encodes env as JSON.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrEnvelopeRequired
	}

	return json.Marshal(env)
}

// UnmarshalEnvelope decodes data produced by MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	return &env, nil
}
