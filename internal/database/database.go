package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("database: not found")
	ErrDuplicate = errors.New("database: duplicate")
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so the same typed
// queries run either directly on the pool or inside an authorized
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Database struct {
	Pool *pgxpool.Pool

	// Queries bound to the bare pool carry no authorization settings, so
	// every row-secured table fails closed through them. Org-scoped reads
	// and writes go through WithAuthorization; the session bootstrap
	// lookups are shadowed on Database itself to run in the provisioning
	// scope (see provision.go).
	*Queries
}

func NewDatabase() Database {
	return Database{}
}

func (db *Database) Connect(ctx context.Context, connString string, maxConns, minConns int) error {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return fmt.Errorf("unable to parse database configuration: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		config.MinConns = int32(minConns)
	}

	db.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("unable to create database pool: %w", err)
	}
	db.Queries = &Queries{db: db.Pool}

	return nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type Identity struct {
	ID            uuid.UUID
	ExternalID    string
	Email         string
	Name          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Organization struct {
	ID         uuid.UUID
	ExternalID string
	Name       string
	Type       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Membership struct {
	ID           uuid.UUID
	IdentityID   uuid.UUID
	OrgID        uuid.UUID
	Role         string
	Status       string
	LastActiveAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	MembershipStatusActive    = "active"
	MembershipStatusInvited   = "invited"
	MembershipStatusSuspended = "suspended"
)

type Booking struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	IdentityID      uuid.UUID
	ExpertName      string
	ScheduledAt     time.Time
	Status          string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	BookingStatusPendingPayment = "pending_payment"
	BookingStatusConfirmed      = "confirmed"
	BookingStatusCancelled      = "cancelled"
)

type AuditEvent struct {
	ID        string
	OrgID     uuid.UUID
	ActorID   *uuid.UUID
	EventType string
	Target    string
	Metadata  json.RawMessage
	CreatedAt time.Time
}
