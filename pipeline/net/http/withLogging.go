package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
)

// HeaderCorrelationID carries the request correlation ID.
const HeaderCorrelationID = "X-Request-Id"

// WithHTTPLogging stores logger and a correlation ID on the request context
// and logs one access line per request. Health checks log at debug.
func WithHTTPLogging(logger log.Logger) fiber.Handler {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()

		correlationID := c.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Set(HeaderCorrelationID, correlationID)

		ctx := pipeline.ContextWithLogger(c.UserContext(), logger)
		ctx = pipeline.ContextWithCorrelationID(ctx, correlationID)
		c.SetUserContext(ctx)

		err := c.Next()

		level := log.LevelInfo
		if c.Path() == "/ping" || c.Path() == "/health" {
			level = log.LevelDebug
		}

		logger.Log(ctx, level, "http request",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", c.Response().StatusCode()),
			log.Duration("duration", time.Since(start)),
			log.String("correlation_id", correlationID),
		)

		return err
	}
}
