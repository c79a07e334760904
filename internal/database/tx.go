package database

import (
	"context"
	"fmt"

	"carebook/internal/authz"
)

// WithAuthorization runs fn inside a transaction whose session settings
// carry the caller's authorization context. set_config(..., true) is
// transaction-local, so the settings vanish at COMMIT/ROLLBACK and can never
// leak into another request reusing the pooled connection.
//
// The row-security policies re-verify live membership against these
// settings; a handler that forges the org id gains nothing.
func (db *Database) WithAuthorization(ctx context.Context, ac authz.Context, fn func(q *Queries) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT set_config('carebook.identity_id', $1, true),
		        set_config('carebook.org_id', $2, true)`,
		ac.IdentityID.String(), ac.OrgID.String()); err != nil {
		return fmt.Errorf("failed to set authorization context: %w", err)
	}

	if err := fn(NewQueries(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WithProvisioning runs fn inside a transaction flagged for identity and
// organization provisioning. The insert policies on identities,
// organizations and memberships require this flag, which keeps generic
// request handlers from writing to those tables. Only the organization
// resolver and the guest registration service call this.
func (db *Database) WithProvisioning(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT set_config('carebook.provisioning', 'on', true)`); err != nil {
		return fmt.Errorf("failed to set provisioning flag: %w", err)
	}

	if err := fn(NewQueries(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WithMaintenance runs fn with row security switched off for the
// transaction. It requires the pool role to own the tables (the migration
// role) and exists solely for offline maintenance tooling. Nothing in the
// request path references it.
func (db *Database) WithMaintenance(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL row_security = off`); err != nil {
		return fmt.Errorf("failed to disable row security: %w", err)
	}

	if err := fn(NewQueries(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
