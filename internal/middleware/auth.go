package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"carebook/internal/authz"
	"carebook/internal/idp"
	"carebook/internal/org"
	"carebook/internal/telemetry"

	"github.com/gofiber/fiber/v2"
)

const authorizationLocal = "authorization_context"
const resolutionLocal = "session_resolution"

// TokenVerifier validates a raw bearer token. Satisfied by *idp.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (idp.Subject, error)
}

// SessionResolver maps a verified subject onto its organization scope.
// Satisfied by *org.Resolver.
type SessionResolver interface {
	Resolve(ctx context.Context, subject idp.Subject) (org.Resolution, error)
}

// ResolveAuthorization validates the bearer token and resolves the caller's
// organization scope. The resulting authorization context travels in the
// request's user context, so every downstream database call runs inside it.
// Routes behind this middleware never see an unauthenticated request.
func ResolveAuthorization(logger *slog.Logger, verifier TokenVerifier, resolver SessionResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rawToken := bearerToken(c)
		if rawToken == "" {
			telemetry.CountAuthResolution("unauthenticated")
			return fmt.Errorf("%w: no session token", authz.ErrUnauthenticated)
		}

		subject, err := verifier.Verify(c.UserContext(), rawToken)
		if err != nil {
			if errors.Is(err, idp.ErrProviderUnavailable) {
				telemetry.CountAuthResolution("error")
				return fiber.NewError(fiber.StatusServiceUnavailable, "identity provider unavailable")
			}
			telemetry.CountAuthResolution("unauthenticated")
			return fmt.Errorf("%w: %v", authz.ErrUnauthenticated, err)
		}

		resolution, err := resolver.Resolve(c.UserContext(), subject)
		if err != nil {
			telemetry.CountAuthResolution("error")
			logger.Error("Failed to resolve session", "subject", subject.ExternalID, "error", err)
			return fiber.NewError(fiber.StatusInternalServerError, "session resolution failed")
		}

		if resolution.Degraded {
			telemetry.CountAuthResolution("degraded")
		} else {
			telemetry.CountAuthResolution("ok")
		}

		c.Locals(authorizationLocal, resolution.Context)
		c.Locals(resolutionLocal, resolution)
		c.SetUserContext(authz.WithContext(c.UserContext(), resolution.Context))
		return c.Next()
	}
}

// AuthorizationFromCtx returns the authorization context stored by
// ResolveAuthorization.
func AuthorizationFromCtx(c *fiber.Ctx) (authz.Context, bool) {
	ac, ok := c.Locals(authorizationLocal).(authz.Context)
	return ac, ok
}

// ResolutionFromCtx returns the full session resolution, including the
// degraded and guided-setup flags.
func ResolutionFromCtx(c *fiber.Ctx) (org.Resolution, bool) {
	resolution, ok := c.Locals(resolutionLocal).(org.Resolution)
	return resolution, ok
}

// RequireOrganization rejects degraded sessions. Handlers behind it can rely
// on a usable organization scope.
func RequireOrganization() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ac, ok := AuthorizationFromCtx(c)
		if !ok {
			return authz.ErrUnauthenticated
		}
		if ac.Degraded() {
			return fiber.NewError(fiber.StatusConflict, "organization not available, retry later")
		}
		return c.Next()
	}
}

// RequireRole rejects callers whose role fails the given check, e.g.
// authz.Role.CanReadAuditLog.
func RequireRole(allowed func(authz.Role) bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ac, ok := AuthorizationFromCtx(c)
		if !ok {
			return authz.ErrUnauthenticated
		}
		if !allowed(ac.Role) {
			return fmt.Errorf("%w: role %s", authz.ErrAuthorizationDenied, ac.Role)
		}
		return c.Next()
	}
}

// ErrorStatus maps an error to the HTTP status the error handler sends for
// it. Shared between the app error handler and the request logger so the
// logged status matches the response.
func ErrorStatus(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.Is(err, authz.ErrUnauthenticated):
		return fiber.StatusUnauthorized
	case errors.Is(err, authz.ErrAuthorizationDenied):
		return fiber.StatusForbidden
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	default:
		return fiber.StatusInternalServerError
	}
}

// SessionCookieName is the cookie fallback for clients that cannot set an
// Authorization header, e.g. browser EventSource connections.
const SessionCookieName = "carebook_session"

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return c.Cookies(SessionCookieName)
}
