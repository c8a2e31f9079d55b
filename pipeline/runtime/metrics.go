package runtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	panicCounterMu sync.RWMutex
	panicCounter   metric.Int64Counter
)

// InitPanicMetrics registers the panic_recovered_total counter on provider.
// A nil provider falls back to the global one. Calling it again replaces the
// counter.
func InitPanicMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	counter, err := provider.Meter("pipeline.runtime").Int64Counter(
		"panic_recovered_total",
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return err
	}

	panicCounterMu.Lock()
	panicCounter = counter
	panicCounterMu.Unlock()

	return nil
}

func recordPanicMetric(ctx context.Context, component, name string) {
	panicCounterMu.RLock()
	counter := panicCounter
	panicCounterMu.RUnlock()

	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	))
}
