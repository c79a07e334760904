package database

import (
	"context"

	"github.com/google/uuid"
)

// ProvisionIdentity creates the local mirror of a provider identity inside a
// provisioning transaction. ErrDuplicate passes through untouched so callers
// can re-read and reuse the winner of a race.
func (db *Database) ProvisionIdentity(ctx context.Context, params CreateIdentityParams) (Identity, error) {
	var identity Identity
	err := db.WithProvisioning(ctx, func(q *Queries) error {
		var err error
		identity, err = q.CreateIdentity(ctx, params)
		return err
	})
	return identity, err
}

type ProvisionOrganizationParams struct {
	IdentityID uuid.UUID
	ExternalID string
	Name       string
	Type       string
	Role       string
}

// ProvisionOrganization creates an organization and its owner membership in
// one provisioning transaction. If the membership insert hits the one-owner-
// per-identity uniqueness anchor, the whole transaction rolls back and the
// organization row vanishes with it: a lost race never leaves an orphaned
// half of the pair behind.
func (db *Database) ProvisionOrganization(ctx context.Context, params ProvisionOrganizationParams) (Organization, Membership, error) {
	var (
		org        Organization
		membership Membership
	)
	err := db.WithProvisioning(ctx, func(q *Queries) error {
		var err error
		org, err = q.CreateOrganization(ctx, CreateOrganizationParams{
			ExternalID: params.ExternalID,
			Name:       params.Name,
			Type:       params.Type,
		})
		if err != nil {
			return err
		}
		membership, err = q.CreateMembership(ctx, CreateMembershipParams{
			IdentityID: params.IdentityID,
			OrgID:      org.ID,
			Role:       params.Role,
			Status:     MembershipStatusActive,
		})
		return err
	})
	if err != nil {
		return Organization{}, Membership{}, err
	}
	return org, membership, nil
}

// The lookups below shadow the pool-bound Queries methods of the same name.
// Session resolution runs them before any authorization context exists, and
// the pool carries no settings, so on the bare pool every one of them would
// fail closed. Each runs inside a provisioning transaction instead, the one
// scope the bootstrap-table policies admit.

func (db *Database) GetIdentityByExternalID(ctx context.Context, externalID string) (Identity, error) {
	var identity Identity
	err := db.WithProvisioning(ctx, func(q *Queries) error {
		var err error
		identity, err = q.GetIdentityByExternalID(ctx, externalID)
		return err
	})
	return identity, err
}

func (db *Database) GetIdentityByEmail(ctx context.Context, email string) (Identity, error) {
	var identity Identity
	err := db.WithProvisioning(ctx, func(q *Queries) error {
		var err error
		identity, err = q.GetIdentityByEmail(ctx, email)
		return err
	})
	return identity, err
}

func (db *Database) ListActiveMembershipsByIdentity(ctx context.Context, identityID uuid.UUID) ([]Membership, error) {
	var memberships []Membership
	err := db.WithProvisioning(ctx, func(q *Queries) error {
		var err error
		memberships, err = q.ListActiveMembershipsByIdentity(ctx, identityID)
		return err
	})
	return memberships, err
}

func (db *Database) GetOrganizationByID(ctx context.Context, id uuid.UUID) (Organization, error) {
	var org Organization
	err := db.WithProvisioning(ctx, func(q *Queries) error {
		var err error
		org, err = q.GetOrganizationByID(ctx, id)
		return err
	})
	return org, err
}

func (db *Database) TouchMembership(ctx context.Context, id uuid.UUID) error {
	return db.WithProvisioning(ctx, func(q *Queries) error {
		return q.TouchMembership(ctx, id)
	})
}
