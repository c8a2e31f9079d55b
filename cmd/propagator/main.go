// Command propagator relays outbox entries to the message bus, routes user
// signals, keeps the outbox tidy and serves dead-letter health.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
	"github.com/hunterwebapps/mastery-sub005/pipeline/zap"
)

const serviceName = "propagator"

var ErrEntityTableInvalid = errors.New("entity table mapping must be Type=table")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := zap.New(zap.Config{
		Environment:     zap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: serviceName,
	})
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = pipeline.ContextWithLogger(ctx, logger)

	telemetry, err := opentelemetry.InitializeTelemetry(ctx, &opentelemetry.TelemetryConfig{
		LibraryName:               serviceName,
		ServiceName:               serviceName,
		ServiceVersion:            cfg.Version,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OtelEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return err
	}

	ctx = pipeline.ContextWithTracer(ctx, telemetry.Tracer())

	if err := runtime.InitPanicMetrics(telemetry.MeterProvider); err != nil {
		return err
	}

	svc, err := build(ctx, cfg, logger, telemetry)
	if err != nil {
		log.SafeError(logger, ctx, "failed to start propagator", err, true)

		return errors.Join(err, svc.close(ctx))
	}

	launcher := pipeline.NewLauncher(
		pipeline.WithLogger(logger),
		pipeline.WithContext(ctx),
	)

	for name, app := range svc.apps {
		if err := launcher.Add(name, app); err != nil {
			return errors.Join(err, svc.close(ctx))
		}
	}

	runErr := launcher.RunWithError()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closeErr := svc.close(shutdownCtx)
	telemetryErr := telemetry.Shutdown(shutdownCtx)

	_ = logger.Sync(shutdownCtx)

	return errors.Join(runErr, closeErr, telemetryErr)
}
