// Package logger configures the process-wide structured logger.
package logger

import (
	"log/slog"
	"os"

	"carebook/internal/config"
)

// New builds the service logger: JSON in production, text elsewhere. The
// returned logger is also installed as the slog default.
func New(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.Server.Environment == config.EnvironmentProduction {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	logger := slog.New(handler).With(
		"service", "carebook",
		"environment", cfg.Server.Environment,
	)
	slog.SetDefault(logger)
	return logger
}
