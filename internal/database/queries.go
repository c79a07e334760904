package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Queries holds the typed data-access methods. Bound to the pool they run
// without authorization settings (fail closed on secured tables); bound to a
// transaction via WithAuthorization they run inside the caller's
// organization scope.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// Identities ----------------------------------------------------------------

type CreateIdentityParams struct {
	ExternalID string
	Email      string
	Name       string
}

func (q *Queries) CreateIdentity(ctx context.Context, params CreateIdentityParams) (Identity, error) {
	var identity Identity
	err := q.db.QueryRow(ctx,
		`INSERT INTO identities (id, external_id, email, name)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, external_id, email, name, deactivated_at, created_at, updated_at`,
		uuid.New(), params.ExternalID, params.Email, params.Name).Scan(
		&identity.ID, &identity.ExternalID, &identity.Email, &identity.Name,
		&identity.DeactivatedAt, &identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return identity, ErrDuplicate
		}
		return identity, fmt.Errorf("failed to create identity: %w", err)
	}
	return identity, nil
}

func (q *Queries) GetIdentityByID(ctx context.Context, id uuid.UUID) (Identity, error) {
	return q.scanIdentity(ctx,
		`SELECT id, external_id, email, name, deactivated_at, created_at, updated_at
		 FROM identities WHERE id = $1 AND deactivated_at IS NULL`, id)
}

func (q *Queries) GetIdentityByExternalID(ctx context.Context, externalID string) (Identity, error) {
	return q.scanIdentity(ctx,
		`SELECT id, external_id, email, name, deactivated_at, created_at, updated_at
		 FROM identities WHERE external_id = $1 AND deactivated_at IS NULL`, externalID)
}

func (q *Queries) GetIdentityByEmail(ctx context.Context, email string) (Identity, error) {
	return q.scanIdentity(ctx,
		`SELECT id, external_id, email, name, deactivated_at, created_at, updated_at
		 FROM identities WHERE email = $1 AND deactivated_at IS NULL`, email)
}

func (q *Queries) scanIdentity(ctx context.Context, sql string, arg any) (Identity, error) {
	var identity Identity
	err := q.db.QueryRow(ctx, sql, arg).Scan(
		&identity.ID, &identity.ExternalID, &identity.Email, &identity.Name,
		&identity.DeactivatedAt, &identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return identity, ErrNotFound
		}
		return identity, fmt.Errorf("failed to get identity: %w", err)
	}
	return identity, nil
}

// Identities are never deleted, only deactivated.
func (q *Queries) DeactivateIdentity(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE identities SET deactivated_at = now(), updated_at = now()
		 WHERE id = $1 AND deactivated_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Organizations -------------------------------------------------------------

type CreateOrganizationParams struct {
	ExternalID string
	Name       string
	Type       string
}

func (q *Queries) CreateOrganization(ctx context.Context, params CreateOrganizationParams) (Organization, error) {
	var org Organization
	err := q.db.QueryRow(ctx,
		`INSERT INTO organizations (id, external_id, name, type)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, external_id, name, type, created_at, updated_at`,
		uuid.New(), params.ExternalID, params.Name, params.Type).Scan(
		&org.ID, &org.ExternalID, &org.Name, &org.Type, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return org, ErrDuplicate
		}
		return org, fmt.Errorf("failed to create organization: %w", err)
	}
	return org, nil
}

func (q *Queries) GetOrganizationByID(ctx context.Context, id uuid.UUID) (Organization, error) {
	var org Organization
	err := q.db.QueryRow(ctx,
		`SELECT id, external_id, name, type, created_at, updated_at
		 FROM organizations WHERE id = $1`, id).Scan(
		&org.ID, &org.ExternalID, &org.Name, &org.Type, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return org, ErrNotFound
		}
		return org, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// Memberships ---------------------------------------------------------------

type CreateMembershipParams struct {
	IdentityID uuid.UUID
	OrgID      uuid.UUID
	Role       string
	Status     string
}

// CreateMembership inserts a membership row. A second owner membership for
// the same identity violates uq_memberships_owner_identity and comes back as
// ErrDuplicate, which is the compare half of the idempotent compare-and-create
// pattern used during provisioning.
func (q *Queries) CreateMembership(ctx context.Context, params CreateMembershipParams) (Membership, error) {
	var membership Membership
	err := q.db.QueryRow(ctx,
		`INSERT INTO memberships (id, identity_id, org_id, role, status, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING id, identity_id, org_id, role, status, last_active_at, created_at, updated_at`,
		uuid.New(), params.IdentityID, params.OrgID, params.Role, params.Status).Scan(
		&membership.ID, &membership.IdentityID, &membership.OrgID, &membership.Role,
		&membership.Status, &membership.LastActiveAt, &membership.CreatedAt, &membership.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return membership, ErrDuplicate
		}
		return membership, fmt.Errorf("failed to create membership: %w", err)
	}
	return membership, nil
}

// ListActiveMembershipsByIdentity returns active memberships newest activity
// first, so the first element is the "current" organization default.
func (q *Queries) ListActiveMembershipsByIdentity(ctx context.Context, identityID uuid.UUID) ([]Membership, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, identity_id, org_id, role, status, last_active_at, created_at, updated_at
		 FROM memberships
		 WHERE identity_id = $1 AND status = $2
		 ORDER BY last_active_at DESC`, identityID, MembershipStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ID, &m.IdentityID, &m.OrgID, &m.Role, &m.Status,
			&m.LastActiveAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func (q *Queries) GetActiveMembership(ctx context.Context, identityID, orgID uuid.UUID) (Membership, error) {
	var m Membership
	err := q.db.QueryRow(ctx,
		`SELECT id, identity_id, org_id, role, status, last_active_at, created_at, updated_at
		 FROM memberships
		 WHERE identity_id = $1 AND org_id = $2 AND status = $3`,
		identityID, orgID, MembershipStatusActive).Scan(
		&m.ID, &m.IdentityID, &m.OrgID, &m.Role, &m.Status,
		&m.LastActiveAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return m, ErrNotFound
		}
		return m, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

func (q *Queries) TouchMembership(ctx context.Context, id uuid.UUID) error {
	if _, err := q.db.Exec(ctx,
		`UPDATE memberships SET last_active_at = now(), updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to touch membership: %w", err)
	}
	return nil
}

// Bookings ------------------------------------------------------------------

type CreateBookingParams struct {
	OrgID       uuid.UUID
	IdentityID  uuid.UUID
	ExpertName  string
	ScheduledAt time.Time
	AmountCents int64
	Currency    string
}

func (q *Queries) CreateBooking(ctx context.Context, params CreateBookingParams) (Booking, error) {
	var booking Booking
	err := q.db.QueryRow(ctx,
		`INSERT INTO bookings (id, org_id, identity_id, expert_name, scheduled_at, status, amount_cents, currency)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, org_id, identity_id, expert_name, scheduled_at, status, payment_intent_id, amount_cents, currency, created_at, updated_at`,
		uuid.New(), params.OrgID, params.IdentityID, params.ExpertName, params.ScheduledAt,
		BookingStatusPendingPayment, params.AmountCents, params.Currency).Scan(
		&booking.ID, &booking.OrgID, &booking.IdentityID, &booking.ExpertName,
		&booking.ScheduledAt, &booking.Status, &booking.PaymentIntentID,
		&booking.AmountCents, &booking.Currency, &booking.CreatedAt, &booking.UpdatedAt)
	if err != nil {
		return booking, fmt.Errorf("failed to create booking: %w", err)
	}
	return booking, nil
}

func (q *Queries) GetBookingByID(ctx context.Context, id uuid.UUID) (Booking, error) {
	var b Booking
	err := q.db.QueryRow(ctx,
		`SELECT id, org_id, identity_id, expert_name, scheduled_at, status, payment_intent_id, amount_cents, currency, created_at, updated_at
		 FROM bookings WHERE id = $1`, id).Scan(
		&b.ID, &b.OrgID, &b.IdentityID, &b.ExpertName, &b.ScheduledAt,
		&b.Status, &b.PaymentIntentID, &b.AmountCents, &b.Currency, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return b, ErrNotFound
		}
		return b, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (q *Queries) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE bookings SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) SetBookingPaymentIntent(ctx context.Context, id uuid.UUID, paymentIntentID string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE bookings SET payment_intent_id = $2, updated_at = now() WHERE id = $1`, id, paymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to set booking payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBookingsByOrg relies on row security for isolation: the org filter is
// a predicate, not the enforcement mechanism, so a forged org id still
// returns nothing outside the caller's scope.
func (q *Queries) ListBookingsByOrg(ctx context.Context, orgID uuid.UUID) ([]Booking, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, org_id, identity_id, expert_name, scheduled_at, status, payment_intent_id, amount_cents, currency, created_at, updated_at
		 FROM bookings WHERE org_id = $1 ORDER BY scheduled_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var bookings []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.OrgID, &b.IdentityID, &b.ExpertName, &b.ScheduledAt,
			&b.Status, &b.PaymentIntentID, &b.AmountCents, &b.Currency, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// Audit events --------------------------------------------------------------

type CreateAuditEventParams struct {
	ID        string
	OrgID     uuid.UUID
	ActorID   *uuid.UUID
	EventType string
	Target    string
	Metadata  json.RawMessage
}

// CreateAuditEvent appends one event. There is deliberately no update or
// delete method for audit_events anywhere in this package.
func (q *Queries) CreateAuditEvent(ctx context.Context, params CreateAuditEventParams) (AuditEvent, error) {
	var event AuditEvent
	err := q.db.QueryRow(ctx,
		`INSERT INTO audit_events (id, org_id, actor_id, event_type, target, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, org_id, actor_id, event_type, target, metadata, created_at`,
		params.ID, params.OrgID, params.ActorID, params.EventType, params.Target, params.Metadata).Scan(
		&event.ID, &event.OrgID, &event.ActorID, &event.EventType, &event.Target,
		&event.Metadata, &event.CreatedAt)
	if err != nil {
		return event, fmt.Errorf("failed to create audit event: %w", err)
	}
	return event, nil
}

func (q *Queries) ListAuditEventsByOrg(ctx context.Context, orgID uuid.UUID, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx,
		`SELECT id, org_id, actor_id, event_type, target, metadata, created_at
		 FROM audit_events WHERE org_id = $1 ORDER BY id DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ActorID, &e.EventType, &e.Target,
			&e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
