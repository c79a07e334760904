// Package web assembles the Fiber application.
package web

import (
	"errors"
	"log/slog"

	"carebook/internal/authz"
	"carebook/internal/booking"
	"carebook/internal/config"
	"carebook/internal/database"
	"carebook/internal/idp"
	"carebook/internal/middleware"
	"carebook/internal/org"
	"carebook/internal/telemetry"
	"carebook/internal/web/api"

	"github.com/gofiber/fiber/v2"
)

type App struct {
	Logger   *slog.Logger
	Verifier *idp.Verifier
	Resolver *org.Resolver
	DB       *database.Database
	Bookings *booking.Manager
}

// NewRouter builds the Fiber app with all routes and middleware attached.
func (a *App) NewRouter(cfg *config.Config) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName:      "carebook",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: ErrorHandler,
	})

	router.Use(middleware.Logger(a.Logger))

	handler := api.NewHandler(a.Logger, a.DB, a.Bookings)
	authenticated := middleware.ResolveAuthorization(a.Logger, a.Verifier, a.Resolver)

	router.Get("/api/health", handler.Healthy)
	router.Get("/metrics", telemetry.Handler())

	// Booking creation is public: a guest without a session books by email.
	router.Post("/api/bookings", a.optionalAuthorization(authenticated), handler.CreateBooking)

	authed := router.Group("/api", authenticated)
	authed.Get("/session", handler.Session)

	scoped := authed.Group("", middleware.RequireOrganization())
	scoped.Get("/bookings", handler.ListBookings)
	scoped.Post("/bookings/:id/cancel", handler.CancelBooking)
	scoped.Get("/audit-events", middleware.RequireRole(authz.Role.CanReadAuditLog), handler.ListAuditEvents)

	return router
}

// optionalAuthorization runs the authorization middleware only when the
// request carries a session token. Guest requests pass through without a
// session.
func (a *App) optionalAuthorization(authenticated fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get(fiber.HeaderAuthorization) == "" && c.Cookies(middleware.SessionCookieName) == "" {
			return c.Next()
		}
		return authenticated(c)
	}
}

// ErrorHandler renders every error as the JSON error envelope, translating
// the authorization sentinels to their HTTP statuses. Sentinel details stay
// out of the response body; the request logger carries them instead.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := middleware.ErrorStatus(err)

	message := "Internal server error"
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		message = fiberErr.Message
	case code == fiber.StatusUnauthorized:
		message = "Unauthorized"
	case code == fiber.StatusForbidden:
		message = "Forbidden"
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}
