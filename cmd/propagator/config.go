package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/dlq"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	"github.com/hunterwebapps/mastery-sub005/pipeline/signal"
)

const (
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
	TransportNATS     = "nats"
)

// Config is the propagator configuration, read from the environment.
type Config struct {
	EnvName  string `env:"ENV_NAME" validate:"required,oneof=production staging development local"`
	LogLevel string `env:"LOG_LEVEL"`
	Version  string `env:"VERSION"`

	EnableTelemetry bool   `env:"ENABLE_TELEMETRY"`
	OtelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" validate:"required_if=EnableTelemetry true"`

	PrimaryDSN   string   `env:"DB_PRIMARY_DSN" validate:"required"`
	ReplicaDSN   string   `env:"DB_REPLICA_DSN"`
	EntityTables []string `env:"ENTITY_TABLES"`

	Transport   string   `env:"BUS_TRANSPORT" validate:"required,oneof=rabbitmq kafka nats"`
	Durable     bool     `env:"BUS_DURABLE"`
	RabbitURL   string   `env:"RABBITMQ_URL" validate:"required_if=Transport rabbitmq"`
	Exchange    string   `env:"RABBITMQ_EXCHANGE"`
	Delayed     bool     `env:"RABBITMQ_DELAYED_EXCHANGE"`
	KafkaBroker []string `env:"KAFKA_BROKERS" validate:"required_if=Transport kafka"`
	TopicPrefix string   `env:"KAFKA_TOPIC_PREFIX"`
	NATSURL     string   `env:"NATS_URL" validate:"required_if=Transport nats"`

	RedisAddresses    []string `env:"REDIS_ADDRESSES"`
	ConsumeEmbeddings bool     `env:"EMBEDDINGS_CONSUMER_ENABLED"`

	Workers                    int           `env:"RELAY_WORKERS" validate:"gte=1"`
	BatchSize                  int           `env:"RELAY_BATCH_SIZE" validate:"gte=1"`
	LeaseDuration              time.Duration `env:"RELAY_LEASE_DURATION"`
	PollInterval               time.Duration `env:"RELAY_POLL_INTERVAL"`
	MaxRetryCount              int           `env:"MAX_RETRY_COUNT" validate:"gte=1"`
	FailedRetryIntervalSeconds int           `env:"FAILED_RETRY_INTERVAL_SECONDS" validate:"gte=1"`
	EmbeddingsQueue            string        `env:"EMBEDDINGS_QUEUE"`
	Queues                     signal.Queues

	SweepSchedule   string        `env:"OUTBOX_SWEEP_SCHEDULE"`
	ArchiveSchedule string        `env:"OUTBOX_ARCHIVE_SCHEDULE"`
	Retention       time.Duration `env:"OUTBOX_RETENTION"`

	DLQ dlq.Config

	HTTPAddress string `env:"HTTP_ADDRESS"`
}

func defaultConfig() Config {
	relay := outbox.DefaultRelayConfig()
	maintenance := outbox.DefaultMaintenanceConfig()

	return Config{
		EnvName:                    "development",
		LogLevel:                   "info",
		Version:                    "0.0.0",
		Transport:                  TransportRabbitMQ,
		Workers:                    relay.Workers,
		BatchSize:                  relay.BatchSize,
		LeaseDuration:              relay.LeaseDuration,
		PollInterval:               relay.PollInterval,
		MaxRetryCount:              outbox.DefaultMaxRetryCount,
		FailedRetryIntervalSeconds: messagebus.DefaultFailedRetryIntervalSeconds,
		EmbeddingsQueue:            signal.QueueEmbeddings,
		Queues:                     signal.DefaultQueues(),
		SweepSchedule:              maintenance.SweepSchedule,
		ArchiveSchedule:            maintenance.ArchiveSchedule,
		Retention:                  maintenance.Retention,
		DLQ:                        dlq.DefaultConfig(),
		HTTPAddress:                ":8080",
	}
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if err := pipeline.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if err := pipeline.ValidateStruct(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// entityTables parses ENTITY_TABLES entries of the form "Habit=habits".
func (cfg Config) entityTables() (map[string]string, error) {
	tables := make(map[string]string, len(cfg.EntityTables))

	for _, pair := range cfg.EntityTables {
		entityType, table, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(entityType) == "" || strings.TrimSpace(table) == "" {
			return nil, fmt.Errorf("%w: %q", ErrEntityTableInvalid, pair)
		}

		tables[strings.TrimSpace(entityType)] = strings.TrimSpace(table)
	}

	return tables, nil
}

// queues lists every queue the relay publishes to.
func (cfg Config) queues() []string {
	return append([]string{cfg.EmbeddingsQueue}, cfg.Queues.All()...)
}
