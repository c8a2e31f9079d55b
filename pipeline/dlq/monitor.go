package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultSampleTimeout = 30 * time.Second

// Config controls the monitor.
type Config struct {
	Enabled       bool          `env:"DLQ_MONITORING_ENABLED"`
	Interval      time.Duration `env:"DLQ_MONITORING_INTERVAL"`
	SampleTimeout time.Duration `env:"DLQ_MONITORING_TIMEOUT"`
}

// DefaultConfig samples every 15 minutes.
func DefaultConfig() Config {
	return Config{Enabled: true, Interval: DefaultInterval, SampleTimeout: DefaultSampleTimeout}
}

func (cfg *Config) normalize() {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = DefaultSampleTimeout
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(logger log.Logger) Option {
	return func(m *Monitor) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *Monitor) {
		if !nilcheck.Interface(provider) {
			m.provider = provider
		}
	}
}

// Monitor samples its sources on an interval and keeps the latest Status.
type Monitor struct {
	cfg      Config
	sources  []CountSource
	logger   log.Logger
	now      func() time.Time
	provider metric.MeterProvider
	gauge    metric.Int64Gauge

	mu     sync.RWMutex
	latest Status
	// topics recorded on the gauge; missing ones are reset to zero.
	recorded map[topicKey]struct{}

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
}

var _ pipeline.App = (*Monitor)(nil)

// NewMonitor returns a Monitor over sources.
func NewMonitor(cfg Config, sources []CountSource, opts ...Option) (*Monitor, error) {
	cfg.normalize()

	for _, src := range sources {
		if nilcheck.Interface(src) {
			return nil, ErrSourceRequired
		}
	}

	m := &Monitor{
		cfg:     cfg,
		sources: append([]CountSource(nil), sources...),
		logger:  log.NewNop(),
		now:     time.Now,
		stop:    make(chan struct{}),

		recorded: make(map[topicKey]struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	provider := m.provider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	gauge, err := provider.Meter("pipeline.dlq").Int64Gauge(
		"dlq.failed",
		metric.WithDescription("Failed messages per dead-letter topic at the last sample"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dlq.failed gauge: %w", err)
	}

	m.gauge = gauge

	return m, nil
}

// Enabled reports whether sampling is turned on.
func (m *Monitor) Enabled() bool { return m.cfg.Enabled }

// Interval returns the sampling interval.
func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Latest returns the most recent successful sample. The zero Status means no
// sample has succeeded yet.
func (m *Monitor) Latest() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.latest
}

// Report classifies the latest sample at the current time.
func (m *Monitor) Report() Report {
	if !m.cfg.Enabled {
		return Disabled()
	}

	return Classify(m.Latest(), m.now(), m.cfg.Interval)
}

type topicKey struct {
	source string
	topic  string
}

// recordGauge must be called with m.mu held.
func (m *Monitor) recordGauge(ctx context.Context, status Status) {
	seen := make(map[topicKey]struct{}, len(status.Topics))

	for _, t := range status.Topics {
		key := topicKey{source: t.TableSource, topic: t.TopicName}
		seen[key] = struct{}{}

		m.gauge.Record(ctx, t.FailedCount, metric.WithAttributes(
			attribute.String("topic", key.topic),
			attribute.String("source", key.source),
		))
	}

	for key := range m.recorded {
		if _, ok := seen[key]; ok {
			continue
		}

		m.gauge.Record(ctx, 0, metric.WithAttributes(
			attribute.String("topic", key.topic),
			attribute.String("source", key.source),
		))
	}

	m.recorded = seen
}

// Check samples every source once. A failed sample keeps the previous
// Status in place so that staleness eventually degrades the report.
func (m *Monitor) Check(ctx context.Context) (Status, error) {
	_, tracer, corrID := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "dlq.monitor.check")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	defer cancel()

	status, err := Sample(ctx, m.now(), m.sources...)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to sample dead-letter counts", err)
		log.SafeError(m.logger, ctx, "failed to sample dead-letter counts", err, true)

		return Status{}, err
	}

	m.mu.Lock()
	m.latest = status
	m.recordGauge(ctx, status)
	m.mu.Unlock()

	report := Classify(status, status.CheckedAt, m.cfg.Interval)

	level := log.LevelDebug

	switch report.Severity {
	case SeverityCritical:
		level = log.LevelError
	case SeverityWarning:
		level = log.LevelWarn
	}

	m.logger.Log(ctx, level, "dead-letter sample taken",
		log.String("health", string(report.Health)),
		log.String("reason", report.Reason),
		log.Int64("total_failed", status.TotalFailed()),
		log.String("correlation_id", corrID),
	)

	return status, nil
}

// Run samples until Stop is called or the launcher context ends.
func (m *Monitor) Run(launcher *pipeline.Launcher) error {
	return m.RunContext(launcher.Context())
}

// RunContext samples immediately and then on every interval. When monitoring
// is disabled it waits for shutdown without sampling.
func (m *Monitor) RunContext(ctx context.Context) error {
	if !m.registerRun() {
		return ErrMonitorRunning
	}

	defer m.clearRun()

	if !m.cfg.Enabled {
		m.logger.Log(ctx, log.LevelInfo, "dead-letter monitoring disabled")

		select {
		case <-m.stop:
		case <-ctx.Done():
		}

		return nil
	}

	m.logger.Log(ctx, log.LevelInfo, "dead-letter monitor started",
		log.Duration("interval", m.cfg.Interval),
		log.Int("sources", len(m.sources)),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-m.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	defer runtime.RecoverAndLogWithContext(ctx, m.logger, "dlq", "monitor_check")

	_, _ = m.Check(ctx)
}

// Stop signals the sampling loop to stop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) registerRun() bool {
	m.runStateMu.Lock()
	defer m.runStateMu.Unlock()

	if m.running {
		return false
	}

	m.running = true

	return true
}

func (m *Monitor) clearRun() {
	m.runStateMu.Lock()
	defer m.runStateMu.Unlock()

	m.running = false
}
