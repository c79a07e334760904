package middleware

import (
	"log/slog"
	"time"

	"carebook/internal/telemetry"

	"github.com/gofiber/fiber/v2"
)

// Logger logs one line per request and feeds the request metrics. The route
// pattern, not the raw path, is used as the metric label to keep cardinality
// bounded.
func Logger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = ErrorStatus(err)
		}

		path := c.Route().Path
		if path == "" {
			path = c.Path()
		}
		duration := time.Since(start)
		telemetry.ObserveRequest(c.Method(), path, status, duration)

		logger.Info("Request",
			"method", c.Method(),
			"path", path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"ip", c.IP(),
		)
		return err
	}
}
