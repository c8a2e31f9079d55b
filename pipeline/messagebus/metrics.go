package messagebus

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type forwarderMetrics struct {
	sent        metric.Int64Counter
	rescheduled metric.Int64Counter
	dead        metric.Int64Counter
	latency     metric.Float64Histogram
}

func newForwarderMetrics(provider metric.MeterProvider) (forwarderMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("pipeline.messagebus.forwarder")

	var (
		metrics forwarderMetrics
		err     error
	)

	metrics.sent, err = meter.Int64Counter(
		"messagebus.forwarder.sent",
		metric.WithDescription("Number of stored messages handed to the transport"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create messagebus.forwarder.sent counter: %w", err)
	}

	metrics.rescheduled, err = meter.Int64Counter(
		"messagebus.forwarder.rescheduled",
		metric.WithDescription("Number of failed sends rescheduled for retry"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create messagebus.forwarder.rescheduled counter: %w", err)
	}

	metrics.dead, err = meter.Int64Counter(
		"messagebus.forwarder.dead_lettered",
		metric.WithDescription("Number of messages dead-lettered after exhausting retries"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create messagebus.forwarder.dead_lettered counter: %w", err)
	}

	metrics.latency, err = meter.Float64Histogram(
		"messagebus.forwarder.cycle.latency",
		metric.WithDescription("Time taken per forwarding cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create messagebus.forwarder.cycle.latency histogram: %w", err)
	}

	return metrics, nil
}
