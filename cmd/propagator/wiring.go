package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/circuitbreaker"
	"github.com/hunterwebapps/mastery-sub005/pipeline/dedup"
	"github.com/hunterwebapps/mastery-sub005/pipeline/dlq"
	"github.com/hunterwebapps/mastery-sub005/pipeline/embedding"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus/kafka"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus/nats"
	busstore "github.com/hunterwebapps/mastery-sub005/pipeline/messagebus/postgres"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus/rabbitmq"
	httpserver "github.com/hunterwebapps/mastery-sub005/pipeline/net/http"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	outboxstore "github.com/hunterwebapps/mastery-sub005/pipeline/outbox/postgres"
	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
	"github.com/hunterwebapps/mastery-sub005/pipeline/redis"
	"github.com/hunterwebapps/mastery-sub005/pipeline/signal"
	natsgo "github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// service holds the apps to launch and the resources to close afterwards,
// closed in reverse order of acquisition.
type service struct {
	apps    map[string]pipeline.App
	closers []func(context.Context) error
}

func (s *service) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func (s *service) close(ctx context.Context) error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.closers = nil

	return errors.Join(errs...)
}

// broker is the selected transport plus what the rest of the wiring needs
// from it.
type broker struct {
	transport messagebus.Transport
	dlqSource dlq.CountSource
	consumeCh *amqp.Channel
}

func build(ctx context.Context, cfg Config, logger log.Logger, telemetry *opentelemetry.Telemetry) (*service, error) {
	svc := &service{apps: make(map[string]pipeline.App)}

	db, err := pgclient.New(pgclient.Config{PrimaryDSN: cfg.PrimaryDSN, ReplicaDSN: cfg.ReplicaDSN, Logger: logger})
	if err != nil {
		return svc, err
	}

	if err := db.Connect(ctx); err != nil {
		return svc, err
	}

	svc.onClose(func(context.Context) error { return db.Close() })

	primary, err := db.Primary()
	if err != nil {
		return svc, err
	}

	sets := []pgclient.MigrationSet{outboxstore.Migrations()}
	if cfg.Durable {
		sets = append(sets, busstore.Migrations())
	}

	if err := pgclient.NewMigrator(primary, logger).Up(ctx, sets...); err != nil {
		return svc, err
	}

	repo, err := outboxstore.NewRepository(db, outboxstore.WithLogger(logger))
	if err != nil {
		return svc, err
	}

	tables, err := cfg.entityTables()
	if err != nil {
		return svc, err
	}

	state, err := outboxstore.NewStateReader(db, tables)
	if err != nil {
		return svc, err
	}

	b, err := openBroker(ctx, cfg, logger, svc)
	if err != nil {
		return svc, err
	}

	breakers := circuitbreaker.NewManager(logger)

	bus, sources, archiveSent, err := buildBus(cfg, logger, telemetry, db, b, breakers, svc)
	if err != nil {
		return svc, err
	}

	classifier, err := signal.NewClassifier(nil)
	if err != nil {
		return svc, err
	}

	router, err := signal.NewRouter(bus, signal.WithLogger(logger), signal.WithQueues(cfg.Queues))
	if err != nil {
		return svc, err
	}

	relay, err := outbox.NewRelay(repo, bus,
		outbox.WithRelayLogger(logger),
		outbox.WithSignals(classifier, router),
		outbox.WithEntityStateReader(state),
		outbox.WithWorkers(cfg.Workers),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithLeaseDuration(cfg.LeaseDuration),
		outbox.WithPollInterval(cfg.PollInterval),
		outbox.WithMaxRetryCount(cfg.MaxRetryCount),
		outbox.WithEmbeddingsQueue(cfg.EmbeddingsQueue),
		outbox.WithRelayMeterProvider(telemetry.MeterProvider),
	)
	if err != nil {
		return svc, err
	}

	svc.apps["outbox-relay"] = relay

	maintenance, err := outbox.NewMaintenance(repo, outbox.MaintenanceConfig{
		SweepSchedule:   cfg.SweepSchedule,
		ArchiveSchedule: cfg.ArchiveSchedule,
		Retention:       cfg.Retention,
	}, outbox.WithMaintenanceLogger(logger), outbox.WithMaintenanceArchiver("bus_messages", archiveSent))
	if err != nil {
		return svc, err
	}

	svc.apps["outbox-maintenance"] = maintenance

	outboxSource, err := dlq.NewSource("outbox_entries", repo.CountFailedByEntityType)
	if err != nil {
		return svc, err
	}

	sources = append([]dlq.CountSource{outboxSource}, sources...)
	if b.dlqSource != nil {
		sources = append(sources, b.dlqSource)
	}

	monitor, err := dlq.NewMonitor(cfg.DLQ, sources,
		dlq.WithLogger(logger),
		dlq.WithMeterProvider(telemetry.MeterProvider),
	)
	if err != nil {
		return svc, err
	}

	svc.apps["dlq-monitor"] = monitor

	if cfg.ConsumeEmbeddings {
		consumer, err := buildEmbeddingsConsumer(ctx, cfg, logger, state, b, svc)
		if err != nil {
			return svc, err
		}

		svc.apps["embeddings-consumer"] = consumer
	}

	dependencies := []httpserver.DependencyCheck{{Name: "postgres", HealthCheck: db.IsConnected}}
	if !cfg.Durable {
		dependencies = append(dependencies, httpserver.DependencyCheck{
			Name:           "transport",
			CircuitBreaker: breakers,
			ServiceName:    messagebus.TransportBreakerName,
		})
	}

	app := httpserver.NewApp(logger, httpserver.Routes{DLQ: monitor, Dependencies: dependencies})

	server, err := httpserver.NewServer(app, cfg.HTTPAddress, logger)
	if err != nil {
		return svc, err
	}

	svc.apps["http"] = server

	return svc, nil
}

func openBroker(ctx context.Context, cfg Config, logger log.Logger, svc *service) (*broker, error) {
	switch cfg.Transport {
	case TransportRabbitMQ:
		return openRabbitMQ(cfg, logger, svc)
	case TransportKafka:
		writer, err := kafka.NewWriter(cfg.KafkaBroker...)
		if err != nil {
			return nil, err
		}

		transport, err := kafka.NewTransport(writer, kafka.WithLogger(logger), kafka.WithTopicPrefix(cfg.TopicPrefix))
		if err != nil {
			return nil, err
		}

		svc.onClose(func(context.Context) error { return transport.Close() })

		return &broker{transport: transport}, nil
	case TransportNATS:
		conn, err := natsgo.Connect(cfg.NATSURL, natsgo.Name(serviceName))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}

		js, err := conn.JetStream()
		if err != nil {
			conn.Close()

			return nil, fmt.Errorf("jetstream: %w", err)
		}

		transport, err := nats.NewTransport(conn, js, nats.WithLogger(logger))
		if err != nil {
			conn.Close()

			return nil, err
		}

		if err := transport.EnsureStream(ctx); err != nil {
			_ = transport.Close()

			return nil, err
		}

		svc.onClose(func(context.Context) error { return transport.Close() })

		logger.Log(ctx, log.LevelInfo, "connected to nats", log.String("server", conn.ConnectedUrlRedacted()))

		return &broker{transport: transport}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func openRabbitMQ(cfg Config, logger log.Logger, svc *service) (*broker, error) {
	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	svc.onClose(func(context.Context) error { return conn.Close() })

	adminCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	topology := rabbitmq.Topology{Exchange: cfg.Exchange, Delayed: cfg.Delayed, Queues: cfg.queues()}
	if err := rabbitmq.DeclareTopology(adminCh, topology); err != nil {
		return nil, err
	}

	publishCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	transport, err := rabbitmq.NewTransport(publishCh,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithExchange(cfg.Exchange, cfg.Delayed),
	)
	if err != nil {
		return nil, err
	}

	svc.onClose(func(context.Context) error { return transport.Close() })

	depth, err := rabbitmq.NewDLQDepth(adminCh, cfg.queues()...)
	if err != nil {
		return nil, err
	}

	source, err := dlq.NewSource("rabbitmq", depth.CountFailed)
	if err != nil {
		return nil, err
	}

	b := &broker{transport: transport, dlqSource: source}

	if cfg.ConsumeEmbeddings {
		if b.consumeCh, err = conn.Channel(); err != nil {
			return nil, fmt.Errorf("open rabbitmq channel: %w", err)
		}
	}

	return b, nil
}

// buildBus returns the durable outboxed bus with its forwarder, or the
// direct bus, plus any DLQ sources the choice adds.
func buildBus(
	cfg Config,
	logger log.Logger,
	telemetry *opentelemetry.Telemetry,
	db *pgclient.Client,
	b *broker,
	breakers *circuitbreaker.Manager,
	svc *service,
) (messagebus.Bus, []dlq.CountSource, outbox.Archiver, error) {
	if !cfg.Durable {
		bus, err := messagebus.NewDirectBus(b.transport,
			messagebus.WithDirectLogger(logger),
			messagebus.WithBreaker(breakers, circuitbreaker.BrokerConfig()),
		)

		return bus, nil, nil, err
	}

	store, err := busstore.NewStore(db, busstore.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}

	bus, err := messagebus.NewOutboxedBus(store, messagebus.WithOutboxedLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}

	forwarder, err := messagebus.NewForwarder(store, b.transport,
		messagebus.WithForwarderLogger(logger),
		messagebus.WithMaxAttempts(cfg.MaxRetryCount),
		messagebus.WithRetryInterval(time.Duration(cfg.FailedRetryIntervalSeconds)*time.Second),
		messagebus.WithHolder(pipeline.InstanceID()+"-forwarder"),
		messagebus.WithForwarderMeterProvider(telemetry.MeterProvider),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	svc.apps["bus-forwarder"] = forwarder

	source, err := dlq.NewSource("bus_messages", store.CountDeadByQueue)
	if err != nil {
		return nil, nil, nil, err
	}

	return bus, []dlq.CountSource{source}, store.ArchiveSent, nil
}

func buildEmbeddingsConsumer(
	ctx context.Context,
	cfg Config,
	logger log.Logger,
	state embedding.EntityLoader,
	b *broker,
	svc *service,
) (pipeline.App, error) {
	if b.consumeCh == nil {
		return nil, fmt.Errorf("embeddings consumer requires the %s transport", TransportRabbitMQ)
	}

	if len(cfg.RedisAddresses) == 0 {
		return nil, errors.New("embeddings consumer requires REDIS_ADDRESSES")
	}

	client, err := redis.New(ctx, redis.Config{Addresses: cfg.RedisAddresses, Logger: logger})
	if err != nil {
		return nil, err
	}

	svc.onClose(func(context.Context) error { return client.Close() })

	rdb, err := client.Universal()
	if err != nil {
		return nil, err
	}

	claims, err := dedup.NewRedisStore(rdb, "")
	if err != nil {
		return nil, err
	}

	queue, err := embedding.NewRedisQueue(rdb, "")
	if err != nil {
		return nil, err
	}

	handler, err := embedding.NewHandler(queue, state, embedding.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	deduplicator, err := messagebus.NewDeduplicator(claims, messagebus.WithDedupLogger(logger))
	if err != nil {
		return nil, err
	}

	return rabbitmq.NewConsumer(b.consumeCh, cfg.EmbeddingsQueue, deduplicator.Wrap(handler.Handle),
		rabbitmq.WithConsumerLogger(logger),
	)
}
