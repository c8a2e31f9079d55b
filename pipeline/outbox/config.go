package outbox

import (
	"strings"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultMaxRetryCount is the number of failed attempts after which an
	// entry is Failed for good.
	DefaultMaxRetryCount = 3

	DefaultEmbeddingsQueue = "embeddings-pending"

	defaultWorkers         = 2
	defaultBatchSize       = 100
	defaultLeaseDuration   = time.Minute
	defaultPollInterval    = 2 * time.Second
	defaultPublishAttempts = 3
	defaultPublishBackoff  = 200 * time.Millisecond
	defaultReleaseTimeout  = 10 * time.Second
)

// RelayConfig controls relay workers.
type RelayConfig struct {
	Workers       int
	BatchSize     int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	MaxRetryCount int
	// PublishAttempts bounds in-cycle publish retries before the batch is
	// marked failed.
	PublishAttempts int
	PublishBackoff  time.Duration
	// ReleaseTimeout bounds lease persistence after cancellation.
	ReleaseTimeout  time.Duration
	EmbeddingsQueue string
	// HolderPrefix prefixes worker lease holders; workers append "-<n>".
	HolderPrefix  string
	MeterProvider metric.MeterProvider
}

// DefaultRelayConfig returns the baseline relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Workers:         defaultWorkers,
		BatchSize:       defaultBatchSize,
		LeaseDuration:   defaultLeaseDuration,
		PollInterval:    defaultPollInterval,
		MaxRetryCount:   DefaultMaxRetryCount,
		PublishAttempts: defaultPublishAttempts,
		PublishBackoff:  defaultPublishBackoff,
		ReleaseTimeout:  defaultReleaseTimeout,
		EmbeddingsQueue: DefaultEmbeddingsQueue,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = defaults.MaxRetryCount
	}

	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = defaults.PublishAttempts
	}

	if cfg.PublishBackoff < 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaults.ReleaseTimeout
	}

	if strings.TrimSpace(cfg.EmbeddingsQueue) == "" {
		cfg.EmbeddingsQueue = defaults.EmbeddingsQueue
	}
}

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithRelayConfig replaces the whole configuration. Zero fields take defaults.
func WithRelayConfig(cfg RelayConfig) RelayOption {
	return func(r *Relay) {
		r.cfg = cfg
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger log.Logger) RelayOption {
	return func(r *Relay) {
		if !nilcheck.Interface(logger) {
			r.logger = logger
		}
	}
}

// WithSignals derives signals from every published change and routes them.
func WithSignals(classifier SignalClassifier, router SignalRouter) RelayOption {
	return func(r *Relay) {
		if !nilcheck.Interface(classifier) && !nilcheck.Interface(router) {
			r.classifier = classifier
			r.router = router
		}
	}
}

// WithEntityStateReader resolves entities deleted before their change was
// relayed.
func WithEntityStateReader(reader EntityStateReader) RelayOption {
	return func(r *Relay) {
		if !nilcheck.Interface(reader) {
			r.state = reader
		}
	}
}

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.cfg.Workers = n
		}
	}
}

// WithBatchSize sets how many entries one cycle acquires.
func WithBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.cfg.BatchSize = size
		}
	}
}

// WithLeaseDuration sets how long acquired entries stay leased.
func WithLeaseDuration(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.cfg.LeaseDuration = d
		}
	}
}

// WithPollInterval sets the idle delay between cycles.
func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.cfg.PollInterval = d
		}
	}
}

// WithMaxRetryCount sets the failed-attempt threshold.
func WithMaxRetryCount(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.cfg.MaxRetryCount = n
		}
	}
}

// WithPublishRetry sets in-cycle publish attempts and their base backoff.
func WithPublishRetry(attempts int, base time.Duration) RelayOption {
	return func(r *Relay) {
		if attempts > 0 {
			r.cfg.PublishAttempts = attempts
		}

		if base >= 0 {
			r.cfg.PublishBackoff = base
		}
	}
}

// WithEmbeddingsQueue sets the queue change batches are published to.
func WithEmbeddingsQueue(queue string) RelayOption {
	return func(r *Relay) {
		if strings.TrimSpace(queue) != "" {
			r.cfg.EmbeddingsQueue = queue
		}
	}
}

// WithHolderPrefix sets the lease holder prefix.
func WithHolderPrefix(prefix string) RelayOption {
	return func(r *Relay) {
		if strings.TrimSpace(prefix) != "" {
			r.cfg.HolderPrefix = prefix
		}
	}
}

// WithRelayClock overrides time.Now.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRelayMeterProvider injects a meter provider for relay metrics.
func WithRelayMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(r *Relay) {
		if !nilcheck.Interface(provider) {
			r.cfg.MeterProvider = provider
		}
	}
}
