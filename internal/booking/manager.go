// Package booking orchestrates the expert booking flow: input validation,
// guest auto-registration, the authorized booking write, the audit trail and
// the payment intent.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carebook/internal/audit"
	"carebook/internal/authz"
	"carebook/internal/database"
	"carebook/internal/guest"
	"carebook/internal/payment"
	"carebook/internal/validator"

	"github.com/google/uuid"
)

var (
	ErrInvalidBooking = errors.New("booking: invalid request")
	ErrPaymentFailed  = errors.New("booking: payment intent creation failed")
)

// Authorizer runs a function inside an organization-scoped transaction.
// Satisfied by *database.Database.
type Authorizer interface {
	WithAuthorization(ctx context.Context, ac authz.Context, fn func(q *database.Queries) error) error
}

// GuestRegistrar provisions an identity and organization for a bare email
// address. Satisfied by *guest.Service.
type GuestRegistrar interface {
	FindOrCreateGuest(ctx context.Context, email, displayName string) (guest.Result, error)
}

type Manager struct {
	logger   *slog.Logger
	db       Authorizer
	guests   GuestRegistrar
	payments payment.Processor
	auditor  *audit.Auditor
	validate *validator.Validator
}

func NewManager(logger *slog.Logger, db Authorizer, guests GuestRegistrar, payments payment.Processor, auditor *audit.Auditor) Manager {
	return Manager{
		logger:   logger,
		db:       db,
		guests:   guests,
		payments: payments,
		auditor:  auditor,
		validate: validator.New(),
	}
}

type BookParams struct {
	Email       string    `validate:"required,email,no_disposable_email"`
	Name        string    `validate:"required,max=200"`
	ExpertName  string    `validate:"required,max=200"`
	ScheduledAt time.Time `validate:"required"`
	AmountCents int64     `validate:"gt=0"`
	Currency    string    `validate:"required,supported_currency"`
}

// Confirmation is returned once the booking row exists and a payment intent
// is attached. The client completes payment with the secret.
type Confirmation struct {
	Booking             database.Booking
	PaymentClientSecret string
	// GuestCreated reports that the booking auto-registered a new identity.
	GuestCreated bool
}

// Book creates a booking for the caller. An authenticated session books under
// its own organization; without one the email is auto-registered as a guest
// first. Registration failure aborts the flow before any payment side effect.
func (m *Manager) Book(ctx context.Context, params BookParams) (Confirmation, error) {
	var confirmation Confirmation

	if err := m.validate.Validate(params); err != nil {
		return confirmation, fmt.Errorf("%w: %v", ErrInvalidBooking, err)
	}

	ac, ok := authz.FromContext(ctx)
	if !ok || ac.Degraded() {
		result, err := m.guests.FindOrCreateGuest(ctx, params.Email, params.Name)
		if err != nil {
			return confirmation, fmt.Errorf("booking aborted: %w", err)
		}
		ac = result.Context
		confirmation.GuestCreated = result.Created
	}

	var booking database.Booking
	err := m.db.WithAuthorization(ctx, ac, func(q *database.Queries) error {
		var err error
		booking, err = q.CreateBooking(ctx, database.CreateBookingParams{
			OrgID:       ac.OrgID,
			IdentityID:  ac.IdentityID,
			ExpertName:  params.ExpertName,
			ScheduledAt: params.ScheduledAt,
			AmountCents: params.AmountCents,
			Currency:    params.Currency,
		})
		if err != nil {
			return err
		}
		return m.auditor.Record(ctx, q, audit.RecordParams{
			OrgID:   ac.OrgID,
			ActorID: &ac.IdentityID,
			Type:    audit.EventTypeBookingCreated,
			Target:  "booking:" + booking.ID.String(),
			Metadata: map[string]any{
				"expert_name":  params.ExpertName,
				"scheduled_at": params.ScheduledAt,
				"amount_cents": params.AmountCents,
				"currency":     params.Currency,
			},
		})
	})
	if err != nil {
		return confirmation, fmt.Errorf("failed to create booking: %w", err)
	}

	intent, err := m.payments.CreatePaymentIntent(ctx, payment.CreatePaymentIntentParams{
		AmountCents:    params.AmountCents,
		Currency:       params.Currency,
		ReceiptEmail:   params.Email,
		BookingID:      booking.ID.String(),
		Organization:   ac.OrgID.String(),
		IdempotencyKey: "booking-" + booking.ID.String(),
	})
	if err != nil {
		m.recordPaymentFailure(ctx, ac, booking.ID, err)
		return confirmation, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	err = m.db.WithAuthorization(ctx, ac, func(q *database.Queries) error {
		return q.SetBookingPaymentIntent(ctx, booking.ID, intent.ID)
	})
	if err != nil {
		return confirmation, fmt.Errorf("failed to attach payment intent: %w", err)
	}
	booking.PaymentIntentID = intent.ID

	confirmation.Booking = booking
	confirmation.PaymentClientSecret = intent.ClientSecret
	return confirmation, nil
}

// Cancel cancels a pending or confirmed booking within the caller's
// organization scope and voids its payment intent.
func (m *Manager) Cancel(ctx context.Context, ac authz.Context, bookingID uuid.UUID) error {
	var booking database.Booking
	err := m.db.WithAuthorization(ctx, ac, func(q *database.Queries) error {
		var err error
		booking, err = q.GetBookingByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if booking.Status == database.BookingStatusCancelled {
			return nil
		}
		if err := q.UpdateBookingStatus(ctx, bookingID, database.BookingStatusCancelled); err != nil {
			return err
		}
		return m.auditor.Record(ctx, q, audit.RecordParams{
			OrgID:   ac.OrgID,
			ActorID: &ac.IdentityID,
			Type:    audit.EventTypeBookingCancelled,
			Target:  "booking:" + bookingID.String(),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to cancel booking: %w", err)
	}

	if booking.PaymentIntentID != "" {
		if err := m.payments.CancelPaymentIntent(ctx, booking.PaymentIntentID); err != nil {
			// The booking row is already cancelled; the intent expires on its
			// own if this cleanup call is lost.
			m.logger.Error("Failed to cancel payment intent", "booking_id", bookingID, "error", err)
		}
	}
	return nil
}

// List returns the bookings visible inside the caller's organization scope.
func (m *Manager) List(ctx context.Context, ac authz.Context) ([]database.Booking, error) {
	var bookings []database.Booking
	err := m.db.WithAuthorization(ctx, ac, func(q *database.Queries) error {
		var err error
		bookings, err = q.ListBookingsByOrg(ctx, ac.OrgID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

func (m *Manager) recordPaymentFailure(ctx context.Context, ac authz.Context, bookingID uuid.UUID, cause error) {
	err := m.db.WithAuthorization(ctx, ac, func(q *database.Queries) error {
		return m.auditor.Record(ctx, q, audit.RecordParams{
			OrgID:   ac.OrgID,
			ActorID: &ac.IdentityID,
			Type:    audit.EventTypePaymentFailed,
			Target:  "booking:" + bookingID.String(),
			Metadata: map[string]any{
				"error": cause.Error(),
			},
		})
	})
	if err != nil {
		m.logger.Error("Failed to record payment failure", "booking_id", bookingID, "error", err)
	}
}
