package pipeline

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type customContextKey string

// CustomContextKey is the context key for CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

// CustomContextKeyValue holds the tracking facilities attached to a context.
type CustomContextKeyValue struct {
	CorrelationID string
	Tracer        trace.Tracer
	Logger        log.Logger
}

func valuesFrom(ctx context.Context) *CustomContextKeyValue {
	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && values != nil {
		clone := *values
		return &clone
	}

	return &CustomContextKeyValue{}
}

// ContextWithLogger returns a child context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := valuesFrom(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a child context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := valuesFrom(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithCorrelationID returns a child context carrying a correlation id.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	values := valuesFrom(ctx)
	values.CorrelationID = correlationID

	return context.WithValue(ctx, CustomContextKey, values)
}

// NewLoggerFromContext returns the context logger or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	logger, _, _ := NewTrackingFromContext(ctx)

	return logger
}

// NewTrackingFromContext extracts the logger, tracer and correlation id from
// ctx, substituting a no-op logger, the global tracer and a fresh UUIDv7 for
// missing values.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	var values *CustomContextKeyValue
	if ctx != nil {
		values, _ = ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	}

	if values == nil {
		values = &CustomContextKeyValue{}
	}

	logger := values.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := values.Tracer
	if nilcheck.Interface(tracer) {
		tracer = otel.Tracer("pipeline.default")
	}

	correlationID := values.CorrelationID
	if correlationID == "" {
		if id, err := uuid.NewV7(); err == nil {
			correlationID = id.String()
		} else {
			correlationID = uuid.NewString()
		}
	}

	return logger, tracer, correlationID
}

type txContextKey struct{}

// ContextWithTx returns a child context carrying the caller's open
// transaction. Writers that must join the entity write (outbox recorder,
// durable bus) look it up with TxFromContext.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction stored by ContextWithTx.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	if ctx == nil {
		return nil, false
	}

	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)

	return tx, ok && tx != nil
}
