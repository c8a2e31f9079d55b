package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrProcessorRequired = errors.New("embedding processor is required")
	ErrLoaderRequired    = errors.New("entity loader is required")
	ErrMalformedPayload  = errors.New("malformed embeddings payload")
)

// Ref identifies the entity an embedding belongs to.
type Ref struct {
	EntityType string
	EntityID   string
	UserID     *string
}

// Processor maintains embeddings.
type Processor interface {
	Upsert(ctx context.Context, ref Ref) error
	Remove(ctx context.Context, ref Ref) error
}

// EntityLoader reports whether an entity still exists.
type EntityLoader = outbox.EntityStateReader

// Action is what the handler did for one change.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionRemove Action = "remove"
)

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(logger log.Logger) Option {
	return func(h *Handler) {
		if !nilcheck.Interface(logger) {
			h.logger = logger
		}
	}
}

// Handler consumes EntityChangedBatchEvent and EntityChangedEvent envelopes.
type Handler struct {
	processor Processor
	loader    EntityLoader
	logger    log.Logger
}

func NewHandler(processor Processor, loader EntityLoader, opts ...Option) (*Handler, error) {
	if nilcheck.Interface(processor) {
		return nil, ErrProcessorRequired
	}

	if nilcheck.Interface(loader) {
		return nil, ErrLoaderRequired
	}

	h := &Handler{processor: processor, loader: loader, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h, nil
}

// Handle implements messagebus.Handler. Changes are applied independently
// and their failures joined, so a redelivery retries the whole batch.
func (h *Handler) Handle(ctx context.Context, env *messagebus.Envelope) error {
	if env == nil {
		return messagebus.ErrEnvelopeRequired
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "embedding.handle")
	defer span.End()

	var events []messagebus.EntityChangedEvent

	switch msg := messagebus.DecodeOrRaw(env).(type) {
	case messagebus.EntityChangedBatchEvent:
		events = msg.Events
	case messagebus.EntityChangedEvent:
		events = []messagebus.EntityChangedEvent{msg}
	case messagebus.RawMessage:
		err := fmt.Errorf("%w: %w", ErrMalformedPayload, msg.Err)
		opentelemetry.HandleSpanError(span, "failed to decode embeddings payload", err)

		return err
	default:
		err := fmt.Errorf("%w: unexpected %s", ErrMalformedPayload, env.MessageType)
		opentelemetry.HandleSpanError(span, "unexpected embeddings payload", err)

		return err
	}

	span.SetAttributes(attribute.Int("embedding.changes", len(events)))

	var errs []error

	for _, event := range events {
		if _, err := h.Apply(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		opentelemetry.HandleSpanError(span, "failed to apply embeddings batch", err)

		return err
	}

	return nil
}

// Apply resolves one change against current state and updates the
// embedding.
func (h *Handler) Apply(ctx context.Context, event messagebus.EntityChangedEvent) (Action, error) {
	ref := Ref{EntityType: event.EntityType, EntityID: event.EntityID, UserID: event.UserID}

	action := ActionRemove

	if !strings.EqualFold(event.Operation, string(outbox.OperationDeleted)) {
		exists, err := h.loader.Exists(ctx, ref.EntityType, ref.EntityID)
		if err != nil {
			return "", fmt.Errorf("loading %s %s: %w", ref.EntityType, ref.EntityID, err)
		}

		if exists {
			action = ActionUpsert
		}
	}

	var err error
	if action == ActionUpsert {
		err = h.processor.Upsert(ctx, ref)
	} else {
		err = h.processor.Remove(ctx, ref)
	}

	if err != nil {
		return "", fmt.Errorf("%s embedding for %s %s: %w", action, ref.EntityType, ref.EntityID, err)
	}

	h.logger.Log(ctx, log.LevelDebug, "embedding applied",
		log.String("action", string(action)),
		log.String("entity_type", ref.EntityType),
		log.String("entity_id", ref.EntityID),
	)

	return action, nil
}
