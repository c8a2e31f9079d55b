package messagebus

import (
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxRetryCount              = 3
	DefaultFailedRetryIntervalSeconds = 60

	defaultPollInterval     = time.Second
	defaultForwardBatchSize = 100
	defaultLeaseDuration    = 30 * time.Second
	defaultMaxRetryInterval = time.Hour
)

// ForwarderConfig controls Forwarder polling and retry behavior.
type ForwarderConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	// MaxAttempts is the number of failed sends after which a message is
	// dead-lettered.
	MaxAttempts int
	// RetryInterval is the base delay before a failed send is retried. It
	// doubles per attempt up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	Holder           string
	MeterProvider    metric.MeterProvider
}

// DefaultForwarderConfig returns the baseline forwarder configuration.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		PollInterval:     defaultPollInterval,
		BatchSize:        defaultForwardBatchSize,
		LeaseDuration:    defaultLeaseDuration,
		MaxAttempts:      DefaultMaxRetryCount,
		RetryInterval:    DefaultFailedRetryIntervalSeconds * time.Second,
		MaxRetryInterval: defaultMaxRetryInterval,
	}
}

func (cfg *ForwarderConfig) normalize() {
	defaults := DefaultForwarderConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}

	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = max(defaults.MaxRetryInterval, cfg.RetryInterval)
	}
}

// ForwarderOption mutates forwarder configuration at construction.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the forwarder logger.
func WithForwarderLogger(logger log.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if !nilcheck.Interface(logger) {
			f.logger = logger
		}
	}
}

// WithPollInterval sets the delay between forwarding cycles.
func WithPollInterval(interval time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if interval > 0 {
			f.cfg.PollInterval = interval
		}
	}
}

// WithForwardBatchSize sets how many messages one cycle leases.
func WithForwardBatchSize(size int) ForwarderOption {
	return func(f *Forwarder) {
		if size > 0 {
			f.cfg.BatchSize = size
		}
	}
}

// WithMaxAttempts sets the failed-send threshold for dead-lettering.
func WithMaxAttempts(attempts int) ForwarderOption {
	return func(f *Forwarder) {
		if attempts > 0 {
			f.cfg.MaxAttempts = attempts
		}
	}
}

// WithRetryInterval sets the base retry delay.
func WithRetryInterval(interval time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if interval > 0 {
			f.cfg.RetryInterval = interval
		}
	}
}

// WithMaxRetryInterval caps the retry delay.
func WithMaxRetryInterval(interval time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if interval > 0 {
			f.cfg.MaxRetryInterval = interval
		}
	}
}

// WithHolder sets the lease holder identity.
func WithHolder(holder string) ForwarderOption {
	return func(f *Forwarder) {
		if holder != "" {
			f.cfg.Holder = holder
		}
	}
}

// WithForwarderClock overrides time.Now.
func WithForwarderClock(now func() time.Time) ForwarderOption {
	return func(f *Forwarder) {
		if now != nil {
			f.now = now
		}
	}
}

// WithForwarderMeterProvider injects a meter provider for forwarder metrics.
func WithForwarderMeterProvider(provider metric.MeterProvider) ForwarderOption {
	return func(f *Forwarder) {
		if !nilcheck.Interface(provider) {
			f.cfg.MeterProvider = provider
		}
	}
}
