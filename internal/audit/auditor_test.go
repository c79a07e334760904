package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"carebook/internal/database"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWriteRejected = errors.New("insert rejected")

type fakeRow struct {
	err error
}

func (r fakeRow) Scan(_ ...any) error { return r.err }

// fakeDB satisfies database.DBTX; only QueryRow is exercised here since
// appending an audit event is a single INSERT ... RETURNING.
type fakeDB struct {
	failWrites bool
	writes     int
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected Exec")
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	if f.failWrites {
		return fakeRow{err: errWriteRejected}
	}
	f.writes++
	return fakeRow{}
}

func newAuditor(required string) (Auditor, *fakeDB, *database.Queries) {
	db := &fakeDB{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuditor(logger, required), db, database.NewQueries(db)
}

func TestRecord_WritesEvent(t *testing.T) {
	auditor, db, queries := newAuditor("")
	actor := uuid.New()

	err := auditor.Record(context.Background(), queries, RecordParams{
		OrgID:   uuid.New(),
		ActorID: &actor,
		Type:    EventTypeBookingCreated,
		Target:  "booking:test",
		Metadata: map[string]any{
			"amount_cents": 12500,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, db.writes)
}

func TestRecord_RequiredFailurePropagates(t *testing.T) {
	auditor, db, queries := newAuditor("record.viewed, booking.created")
	db.failWrites = true

	err := auditor.Record(context.Background(), queries, RecordParams{
		OrgID: uuid.New(),
		Type:  EventTypeBookingCreated,
	})
	assert.ErrorIs(t, err, errWriteRejected)
}

func TestRecord_BestEffortFailureIsSwallowed(t *testing.T) {
	auditor, db, queries := newAuditor("record.viewed")
	db.failWrites = true

	err := auditor.Record(context.Background(), queries, RecordParams{
		OrgID: uuid.New(),
		Type:  EventTypeAccessCodeIssued,
	})
	assert.NoError(t, err)
}

func TestRequired(t *testing.T) {
	auditor, _, _ := newAuditor("record.viewed,agreement.accepted")

	assert.True(t, auditor.Required(EventTypeRecordViewed))
	assert.True(t, auditor.Required(EventTypeAgreementAccepted))
	assert.False(t, auditor.Required(EventTypeBookingCreated))
	assert.False(t, auditor.Required(EventType("unknown.type")))
}
