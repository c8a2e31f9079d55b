package http

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
)

const DefaultShutdownTimeout = 10 * time.Second

var ErrAppRequired = errors.New("fiber app is required")

// Routes configures the health surface.
type Routes struct {
	DLQ          DLQReporter
	Dependencies []DependencyCheck
}

// NewApp builds a Fiber app with /ping, /health and /health/dlq.
func NewApp(logger log.Logger, routes Routes) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          FiberErrorHandler,
	})

	app.Use(WithHTTPLogging(logger))
	app.Get("/ping", Ping)
	app.Get("/health", HealthWithDependencies(routes.Dependencies...))
	app.Get("/health/dlq", DLQHealth(routes.DLQ))

	return app
}

// Server runs a Fiber app as a launcher App.
type Server struct {
	app             *fiber.App
	address         string
	logger          log.Logger
	shutdownTimeout time.Duration
}

var _ pipeline.App = (*Server)(nil)

// NewServer serves app on address.
func NewServer(app *fiber.App, address string, logger log.Logger) (*Server, error) {
	if app == nil {
		return nil, ErrAppRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Server{app: app, address: address, logger: logger, shutdownTimeout: DefaultShutdownTimeout}, nil
}

// Run implements pipeline.App.
func (s *Server) Run(launcher *pipeline.Launcher) error {
	return s.RunContext(launcher.Context())
}

// RunContext listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) RunContext(ctx context.Context) error {
	listenErr := make(chan error, 1)

	runtime.SafeGoWithContextAndComponent(ctx, s.logger, "http", "listen", runtime.KeepRunning,
		func(ctx context.Context) {
			s.logger.Log(ctx, log.LevelInfo, "http server listening", log.String("address", s.address))

			listenErr <- s.app.Listen(s.address)
		})

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	s.logger.Log(ctx, log.LevelInfo, "http server stopped")

	return nil
}
