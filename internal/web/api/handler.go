// Package api holds the JSON HTTP handlers.
package api

import (
	"errors"
	"log/slog"
	"time"

	"carebook/internal/booking"
	"carebook/internal/database"
	"carebook/internal/guest"
	"carebook/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type Handler struct {
	Logger   *slog.Logger
	DB       *database.Database
	Bookings *booking.Manager
}

func NewHandler(logger *slog.Logger, db *database.Database, bookings *booking.Manager) *Handler {
	return &Handler{
		Logger:   logger,
		DB:       db,
		Bookings: bookings,
	}
}

func (h *Handler) Healthy(c *fiber.Ctx) error {
	if err := h.DB.Ping(c.UserContext()); err != nil {
		h.Logger.Error("Database connection failed", "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "SERVER_ERROR", "Internal server error")
	}
	return c.SendString("OK")
}

// Session reports what the caller's token resolved to, including the
// degraded and guided-setup flags the client UI branches on.
func (h *Handler) Session(c *fiber.Ctx) error {
	resolution, ok := middleware.ResolutionFromCtx(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "No session")
	}

	body := fiber.Map{
		"identity": fiber.Map{
			"id":    resolution.Identity.ID,
			"email": resolution.Identity.Email,
			"name":  resolution.Identity.Name,
		},
		"degraded":           resolution.Degraded,
		"needs_guided_setup": resolution.NeedsGuidedSetup,
	}
	if !resolution.Degraded {
		body["organization"] = fiber.Map{
			"id":   resolution.Organization.ID,
			"name": resolution.Organization.Name,
			"type": resolution.Organization.Type,
		}
		body["role"] = resolution.Context.Role
	}
	return c.JSON(body)
}

type createBookingRequest struct {
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	ExpertName  string    `json:"expert_name"`
	ScheduledAt time.Time `json:"scheduled_at"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
}

// CreateBooking serves both authenticated and guest bookings: the route is
// public, and without a session the email is auto-registered first.
func (h *Handler) CreateBooking(c *fiber.Ctx) error {
	var req createBookingRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "BAD_REQUEST", "Malformed request body")
	}

	confirmation, err := h.Bookings.Book(c.UserContext(), booking.BookParams{
		Email:       req.Email,
		Name:        req.Name,
		ExpertName:  req.ExpertName,
		ScheduledAt: req.ScheduledAt,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	switch {
	case errors.Is(err, booking.ErrInvalidBooking):
		return ErrorResponse(c, fiber.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, guest.ErrGuestUserCreation):
		h.Logger.Error("Guest registration failed", "error", err)
		return ErrorResponse(c, fiber.StatusUnprocessableEntity, "GUEST_REGISTRATION_FAILED", "Could not register guest account")
	case errors.Is(err, booking.ErrPaymentFailed):
		h.Logger.Error("Payment intent creation failed", "error", err)
		return ErrorResponse(c, fiber.StatusPaymentRequired, "PAYMENT_FAILED", "Could not initialize payment")
	case err != nil:
		h.Logger.Error("Failed to create booking", "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "SERVER_ERROR", "Internal server error")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"booking":               bookingResponse(confirmation.Booking),
		"payment_client_secret": confirmation.PaymentClientSecret,
		"guest_created":         confirmation.GuestCreated,
	})
}

func (h *Handler) ListBookings(c *fiber.Ctx) error {
	ac, ok := middleware.AuthorizationFromCtx(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "No session")
	}

	bookings, err := h.Bookings.List(c.UserContext(), ac)
	if err != nil {
		h.Logger.Error("Failed to list bookings", "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "SERVER_ERROR", "Internal server error")
	}

	items := make([]fiber.Map, len(bookings))
	for i, b := range bookings {
		items[i] = bookingResponse(b)
	}
	return PaginationResponse(c, items, "")
}

func (h *Handler) CancelBooking(c *fiber.Ctx) error {
	ac, ok := middleware.AuthorizationFromCtx(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "No session")
	}
	bookingID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "BAD_REQUEST", "Invalid booking id")
	}

	if err := h.Bookings.Cancel(c.UserContext(), ac, bookingID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Row security hides other organizations' bookings, so a foreign
			// id and a missing id are indistinguishable here.
			return ErrorResponse(c, fiber.StatusNotFound, "NOT_FOUND", "Booking not found")
		}
		h.Logger.Error("Failed to cancel booking", "booking_id", bookingID, "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "SERVER_ERROR", "Internal server error")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) ListAuditEvents(c *fiber.Ctx) error {
	ac, ok := middleware.AuthorizationFromCtx(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "No session")
	}
	limit := c.QueryInt("page_size", 100)

	var events []database.AuditEvent
	err := h.DB.WithAuthorization(c.UserContext(), ac, func(q *database.Queries) error {
		var err error
		events, err = q.ListAuditEventsByOrg(c.UserContext(), ac.OrgID, limit)
		return err
	})
	if err != nil {
		h.Logger.Error("Failed to list audit events", "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "SERVER_ERROR", "Internal server error")
	}

	items := make([]fiber.Map, len(events))
	for i, e := range events {
		items[i] = fiber.Map{
			"id":         e.ID,
			"org_id":     e.OrgID,
			"actor_id":   e.ActorID,
			"event_type": e.EventType,
			"target":     e.Target,
			"metadata":   e.Metadata,
			"created_at": e.CreatedAt,
		}
	}
	return PaginationResponse(c, items, "")
}

func bookingResponse(b database.Booking) fiber.Map {
	return fiber.Map{
		"id":                b.ID,
		"org_id":            b.OrgID,
		"identity_id":       b.IdentityID,
		"expert_name":       b.ExpertName,
		"scheduled_at":      b.ScheduledAt,
		"status":            b.Status,
		"payment_intent_id": b.PaymentIntentID,
		"amount_cents":      b.AmountCents,
		"currency":          b.Currency,
		"created_at":        b.CreatedAt,
	}
}
