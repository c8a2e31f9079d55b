package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"go.opentelemetry.io/otel/trace"
)

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Ping returns HTTP 200 with "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Liveness reports that the process is serving requests.
func Liveness(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "available"})
}

// FiberErrorHandler renders handler errors as ErrorResponse and logs the
// ones that are not fiber errors.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()
	if ctx != nil {
		opentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)
	} else {
		ctx = context.Background()
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Code: fe.Code, Title: "request_failed", Message: fe.Message})
	}

	pipeline.NewLoggerFromContext(ctx).Log(ctx, log.LevelError, "handler error",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.Err(err),
	)

	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Code:    fiber.StatusInternalServerError,
		Title:   "internal_error",
		Message: "internal server error",
	})
}
