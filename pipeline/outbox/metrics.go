package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	acquired  metric.Int64Counter
	processed metric.Int64Counter
	failed    metric.Int64Counter
	released  metric.Int64Counter
	leaseLost metric.Int64Counter
	latency   metric.Float64Histogram
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("pipeline.outbox.relay")

	var (
		metrics relayMetrics
		err     error
	)

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&metrics.acquired, "outbox.relay.acquired", "Number of outbox entries leased by relay workers"},
		{&metrics.processed, "outbox.relay.processed", "Number of outbox entries propagated"},
		{&metrics.failed, "outbox.relay.failed", "Number of failed outbox entry attempts"},
		{&metrics.released, "outbox.relay.released", "Number of leases released on shutdown"},
		{&metrics.leaseLost, "outbox.relay.lease_lost", "Number of entries whose lease was reclaimed before update"},
	}

	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{entry}"))
		if err != nil {
			return relayMetrics{}, fmt.Errorf("create %s counter: %w", c.name, err)
		}
	}

	metrics.latency, err = meter.Float64Histogram(
		"outbox.relay.cycle.latency",
		metric.WithDescription("Time taken per relay cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.cycle.latency histogram: %w", err)
	}

	return metrics, nil
}
