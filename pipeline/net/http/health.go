package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hunterwebapps/mastery-sub005/pipeline/circuitbreaker"
	"github.com/hunterwebapps/mastery-sub005/pipeline/dlq"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
)

// DependencyCheck describes one dependency of the health endpoint. Provide
// CircuitBreaker with ServiceName, HealthCheck, or both; both must pass.
type DependencyCheck struct {
	Name           string
	CircuitBreaker *circuitbreaker.Manager
	ServiceName    string
	HealthCheck    func() bool
}

// DependencyStatus is one dependency in the health response.
type DependencyStatus struct {
	CircuitBreakerState string `json:"circuit_breaker_state,omitempty"`
	Healthy             bool   `json:"healthy"`
}

// HealthWithDependencies returns 200 "available" when every dependency is
// healthy and 503 "degraded" otherwise.
func HealthWithDependencies(dependencies ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		overall := true
		statuses := make(map[string]DependencyStatus, len(dependencies))

		for _, dep := range dependencies {
			status := DependencyStatus{Healthy: true}

			if dep.CircuitBreaker != nil && dep.ServiceName != "" {
				status.CircuitBreakerState = string(dep.CircuitBreaker.GetState(dep.ServiceName))
				status.Healthy = dep.CircuitBreaker.IsHealthy(dep.ServiceName)
			}

			if dep.HealthCheck != nil {
				status.Healthy = status.Healthy && dep.HealthCheck()
			}

			overall = overall && status.Healthy
			statuses[dep.Name] = status
		}

		body := fiber.Map{"status": "available", "dependencies": statuses}
		if !overall {
			body["status"] = "degraded"

			return c.Status(fiber.StatusServiceUnavailable).JSON(body)
		}

		return c.Status(fiber.StatusOK).JSON(body)
	}
}

// DLQReporter produces the current dead-letter classification.
type DLQReporter interface {
	Report() dlq.Report
}

// DLQHealth serves the dead-letter report. Unhealthy maps to 503; Healthy
// and Degraded keep the instance in rotation with 200.
func DLQHealth(reporter DLQReporter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if nilcheck.Interface(reporter) {
			return c.Status(fiber.StatusOK).JSON(dlq.Disabled())
		}

		report := reporter.Report()

		code := fiber.StatusOK
		if report.Health == dlq.Unhealthy {
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(report)
	}
}
