package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"carebook/internal/audit"
	"carebook/internal/authz"
	"carebook/internal/database"
	"carebook/internal/guest"
	"carebook/internal/payment"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.values) {
			break
		}
		switch v := d.(type) {
		case *uuid.UUID:
			*v = r.values[i].(uuid.UUID)
		case **uuid.UUID:
			if r.values[i] != nil {
				id := r.values[i].(uuid.UUID)
				*v = &id
			}
		case *string:
			*v = r.values[i].(string)
		case *int64:
			*v = r.values[i].(int64)
		case *time.Time:
			*v = r.values[i].(time.Time)
		}
	}
	return nil
}

// fakeConn answers the few statements the booking flow issues.
type fakeConn struct {
	mu             sync.Mutex
	bookingInserts int
	auditInserts   int
	intentUpdates  int
	statusUpdates  int
	failAudit      bool
	// booking, when set, is served for booking lookups by id.
	booking *database.Booking
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.Contains(sql, "SET payment_intent_id"):
		c.intentUpdates++
	case strings.Contains(sql, "SET status"):
		c.statusUpdates++
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	switch {
	case strings.Contains(sql, "INSERT INTO bookings"):
		c.bookingInserts++
		// args: id, org, identity, expert, scheduled_at, status, amount, currency
		return stubRow{values: []any{
			args[0].(uuid.UUID), args[1].(uuid.UUID), args[2].(uuid.UUID),
			args[3].(string), args[4].(time.Time), args[5].(string),
			"", args[6].(int64), args[7].(string), now, now,
		}}
	case strings.Contains(sql, "INSERT INTO audit_events"):
		if c.failAudit {
			return stubRow{err: errors.New("audit insert rejected")}
		}
		c.auditInserts++
		return stubRow{values: []any{args[0].(string)}}
	case strings.Contains(sql, "FROM bookings WHERE id"):
		if c.booking == nil {
			return stubRow{err: pgx.ErrNoRows}
		}
		b := *c.booking
		return stubRow{values: []any{
			b.ID, b.OrgID, b.IdentityID, b.ExpertName, b.ScheduledAt,
			b.Status, b.PaymentIntentID, b.AmountCents, b.Currency, now, now,
		}}
	default:
		return stubRow{err: errors.New("unexpected QueryRow: " + sql)}
	}
}

func (c *fakeConn) counts() (bookings, audits, intents int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bookingInserts, c.auditInserts, c.intentUpdates
}

// fakeAuthorizer stands in for the transaction helper. It records the
// contexts it saw and hands the function a query handle over fakeConn.
type fakeAuthorizer struct {
	conn     *fakeConn
	mu       sync.Mutex
	contexts []authz.Context
}

func (a *fakeAuthorizer) WithAuthorization(_ context.Context, ac authz.Context, fn func(q *database.Queries) error) error {
	a.mu.Lock()
	a.contexts = append(a.contexts, ac)
	a.mu.Unlock()
	return fn(database.NewQueries(a.conn))
}

type fakeGuests struct {
	mu     sync.Mutex
	calls  int
	result guest.Result
	err    error
}

func (g *fakeGuests) FindOrCreateGuest(_ context.Context, _, _ string) (guest.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.result, g.err
}

type fakePayments struct {
	mu      sync.Mutex
	intents []payment.CreatePaymentIntentParams
	cancels []string
	fail    bool
}

func (p *fakePayments) CreatePaymentIntent(_ context.Context, params payment.CreatePaymentIntentParams) (payment.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return payment.PaymentIntent{}, errors.New("card network unreachable")
	}
	p.intents = append(p.intents, params)
	return payment.PaymentIntent{ID: "pi_test_1", ClientSecret: "pi_test_1_secret"}, nil
}

func (p *fakePayments) CancelPaymentIntent(_ context.Context, intentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, intentID)
	return nil
}

func guestResult() guest.Result {
	identityID, orgID := uuid.New(), uuid.New()
	return guest.Result{
		Identity:     database.Identity{ID: identityID, Email: "guest@example.com"},
		Organization: database.Organization{ID: orgID, Type: "individual_patient"},
		Context:      authz.Context{IdentityID: identityID, OrgID: orgID, Role: authz.RoleOwner},
		Created:      true,
	}
}

func newManager(conn *fakeConn, guests *fakeGuests, payments *fakePayments, requiredEvents string) (Manager, *fakeAuthorizer) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := audit.NewAuditor(logger, requiredEvents)
	db := &fakeAuthorizer{conn: conn}
	return NewManager(logger, db, guests, payments, &auditor), db
}

func validParams() BookParams {
	return BookParams{
		Email:       "guest@example.com",
		Name:        "Guest",
		ExpertName:  "Dr. Vega",
		ScheduledAt: time.Now().Add(48 * time.Hour),
		AmountCents: 12500,
		Currency:    "eur",
	}
}

func TestBook_GuestFlow(t *testing.T) {
	conn := &fakeConn{}
	guests := &fakeGuests{result: guestResult()}
	payments := &fakePayments{}
	manager, db := newManager(conn, guests, payments, "booking.created")

	confirmation, err := manager.Book(context.Background(), validParams())
	require.NoError(t, err)

	assert.True(t, confirmation.GuestCreated)
	assert.Equal(t, "pi_test_1_secret", confirmation.PaymentClientSecret)
	assert.Equal(t, "pi_test_1", confirmation.Booking.PaymentIntentID)

	bookings, audits, intents := conn.counts()
	assert.Equal(t, 1, bookings)
	assert.Equal(t, 1, audits)
	assert.Equal(t, 1, intents)

	require.Len(t, payments.intents, 1)
	assert.Equal(t, "booking-"+confirmation.Booking.ID.String(), payments.intents[0].IdempotencyKey)

	// Every write ran under the guest's own organization scope.
	for _, ac := range db.contexts {
		assert.Equal(t, guests.result.Context.OrgID, ac.OrgID)
	}
}

func TestBook_AuthenticatedSessionSkipsGuestRegistration(t *testing.T) {
	conn := &fakeConn{}
	guests := &fakeGuests{result: guestResult()}
	payments := &fakePayments{}
	manager, db := newManager(conn, guests, payments, "")

	ac := authz.Context{IdentityID: uuid.New(), OrgID: uuid.New(), Role: authz.RoleMember}
	ctx := authz.WithContext(context.Background(), ac)

	confirmation, err := manager.Book(ctx, validParams())
	require.NoError(t, err)

	assert.False(t, confirmation.GuestCreated)
	assert.Equal(t, 0, guests.calls)
	require.NotEmpty(t, db.contexts)
	assert.Equal(t, ac.OrgID, db.contexts[0].OrgID)
}

func TestBook_GuestFailureAbortsBeforePayment(t *testing.T) {
	conn := &fakeConn{}
	guests := &fakeGuests{err: guest.ErrGuestUserCreation}
	payments := &fakePayments{}
	manager, _ := newManager(conn, guests, payments, "")

	_, err := manager.Book(context.Background(), validParams())
	assert.ErrorIs(t, err, guest.ErrGuestUserCreation)

	bookings, _, _ := conn.counts()
	assert.Equal(t, 0, bookings)
	assert.Empty(t, payments.intents)
}

func TestBook_PaymentFailureRecordsAuditEvent(t *testing.T) {
	conn := &fakeConn{}
	guests := &fakeGuests{result: guestResult()}
	payments := &fakePayments{fail: true}
	manager, _ := newManager(conn, guests, payments, "")

	_, err := manager.Book(context.Background(), validParams())
	assert.ErrorIs(t, err, ErrPaymentFailed)

	bookings, audits, intents := conn.counts()
	assert.Equal(t, 1, bookings)
	// booking.created plus payment.failed.
	assert.Equal(t, 2, audits)
	assert.Equal(t, 0, intents)
}

func TestBook_RequiredAuditFailureAbortsBooking(t *testing.T) {
	conn := &fakeConn{failAudit: true}
	guests := &fakeGuests{result: guestResult()}
	payments := &fakePayments{}
	manager, _ := newManager(conn, guests, payments, "booking.created")

	_, err := manager.Book(context.Background(), validParams())
	require.Error(t, err)
	assert.Empty(t, payments.intents)
}

func TestBook_BestEffortAuditFailureDoesNotAbort(t *testing.T) {
	conn := &fakeConn{failAudit: true}
	guests := &fakeGuests{result: guestResult()}
	payments := &fakePayments{}
	manager, _ := newManager(conn, guests, payments, "")

	_, err := manager.Book(context.Background(), validParams())
	require.NoError(t, err)
	assert.Len(t, payments.intents, 1)
}

func TestBook_ValidationRejectsBadInput(t *testing.T) {
	conn := &fakeConn{}
	guests := &fakeGuests{result: guestResult()}
	payments := &fakePayments{}
	manager, _ := newManager(conn, guests, payments, "")

	tests := []struct {
		name   string
		mutate func(*BookParams)
	}{
		{"missing email", func(p *BookParams) { p.Email = "" }},
		{"malformed email", func(p *BookParams) { p.Email = "not-an-email" }},
		{"disposable email", func(p *BookParams) { p.Email = "x@mailinator.com" }},
		{"zero amount", func(p *BookParams) { p.AmountCents = 0 }},
		{"unsupported currency", func(p *BookParams) { p.Currency = "xau" }},
		{"missing expert", func(p *BookParams) { p.ExpertName = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validParams()
			tt.mutate(&params)

			_, err := manager.Book(context.Background(), params)
			assert.ErrorIs(t, err, ErrInvalidBooking)
		})
	}
	assert.Equal(t, 0, guests.calls)
}

func TestCancel_CancelsBookingAndIntent(t *testing.T) {
	conn := &fakeConn{}
	guests := &fakeGuests{}
	payments := &fakePayments{}
	manager, _ := newManager(conn, guests, payments, "")

	ac := authz.Context{IdentityID: uuid.New(), OrgID: uuid.New(), Role: authz.RoleOwner}
	bookingID := uuid.New()
	conn.booking = &database.Booking{
		ID:              bookingID,
		OrgID:           ac.OrgID,
		IdentityID:      ac.IdentityID,
		Status:          database.BookingStatusConfirmed,
		PaymentIntentID: "pi_test_9",
	}

	err := manager.Cancel(context.Background(), ac, bookingID)
	require.NoError(t, err)

	assert.Equal(t, 1, conn.statusUpdates)
	assert.Equal(t, []string{"pi_test_9"}, payments.cancels)
}
