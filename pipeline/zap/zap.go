package zap

import (
	"context"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements log.Logger on top of a *zap.Logger.
type Logger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

var _ log.Logger = (*Logger)(nil)

// Wrap adapts an existing zap logger.
func Wrap(logger *zap.Logger) *Logger {
	return &Logger{logger: logger, level: zap.NewAtomicLevel()}
}

func (l *Logger) base() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log writes the entry at the matching zap level. Active span identifiers in
// ctx are appended as trace_id and span_id.
func (l *Logger) Log(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	zapFields := toZapFields(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	if ce := l.base().Check(toZapLevel(level), msg); ce != nil {
		ce.Write(zapFields...)
	}
}

//nolint:ireturn
func (l *Logger) With(fields ...log.Field) log.Logger {
	return &Logger{logger: l.base().With(toZapFields(fields)...), level: l.level}
}

//nolint:ireturn
func (l *Logger) WithGroup(name string) log.Logger {
	return &Logger{logger: l.base().With(zap.Namespace(name)), level: l.level}
}

func (l *Logger) Enabled(level log.Level) bool {
	return l.base().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries unless ctx is done first.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.base().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Raw exposes the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.base()
}

// Level returns the runtime adjustable level.
func (l *Logger) Level() zap.AtomicLevel {
	return l.level
}

func toZapLevel(level log.Level) zapcore.Level {
	switch level {
	case log.LevelError:
		return zapcore.ErrorLevel
	case log.LevelWarn:
		return zapcore.WarnLevel
	case log.LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []log.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))

	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			out = append(out, zap.Error(err))

			continue
		}

		out = append(out, zap.Any(f.Key, f.Value))
	}

	return out
}
