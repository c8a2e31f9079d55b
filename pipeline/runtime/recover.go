package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy decides what happens after a panic has been recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	if p == CrashProcess {
		return "crash_process"
	}

	return "keep_running"
}

// RecoverAndLog recovers a panic and logs it with its stack trace.
//
//	defer runtime.RecoverAndLog(logger, "relay_worker")
func RecoverAndLog(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(context.Background(), logger, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext recovers a panic, logs it, records it on the active
// span and increments the panic counter.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext with a configurable
// follow-up action.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue processes a panic value that was recovered elsewhere, for
// example by an errgroup or a fiber middleware.
func HandlePanicValue(ctx context.Context, logger log.Logger, value any, component, name string) {
	if value == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	logPanic(ctx, logger, name, value, stack)
	recordPanicOnSpan(ctx, value, component, name)
	recordPanicMetric(ctx, component, name)
}

func logPanic(ctx context.Context, logger log.Logger, name string, value any, stack []byte) {
	if nilcheck.Interface(logger) {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("panic_value", fmt.Sprint(value)),
		log.String("stack_trace", string(stack)),
	)
}

func recordPanicOnSpan(ctx context.Context, value any, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine_name", name),
		attribute.String("panic.value", fmt.Sprint(value)),
	))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}
