package org

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"carebook/internal/authz"
	"carebook/internal/database"
	"carebook/internal/idp"
	"carebook/internal/telemetry"

	"github.com/google/uuid"
)

// ErrOrganizationCreationFailed means upstream provisioning failed. It never
// blocks session establishment: the caller keeps a degraded context and a
// later Resolve retries lazily.
var ErrOrganizationCreationFailed = errors.New("org: organization creation failed")

// Store is the slice of the data layer the resolver needs. Satisfied by
// *database.Database.
type Store interface {
	GetIdentityByExternalID(ctx context.Context, externalID string) (database.Identity, error)
	ProvisionIdentity(ctx context.Context, params database.CreateIdentityParams) (database.Identity, error)
	ListActiveMembershipsByIdentity(ctx context.Context, identityID uuid.UUID) ([]database.Membership, error)
	GetOrganizationByID(ctx context.Context, id uuid.UUID) (database.Organization, error)
	ProvisionOrganization(ctx context.Context, params database.ProvisionOrganizationParams) (database.Organization, database.Membership, error)
	TouchMembership(ctx context.Context, id uuid.UUID) error
}

// Resolution is the outcome of mapping a verified subject onto its current
// organization.
type Resolution struct {
	Identity     database.Identity
	Organization database.Organization
	Context      authz.Context
	// NeedsGuidedSetup routes freshly provisioned practitioners into the
	// guided setup flow instead of the instant dashboard.
	NeedsGuidedSetup bool
	// Degraded is set when provisioning failed upstream: the session stands,
	// org-scoped data access fails closed until a later resolve succeeds.
	Degraded bool
}

// Resolver maps a verified identity onto exactly one current organization,
// provisioning a personal organization on first contact. It is the single
// provisioning code path; nothing else creates default organizations.
type Resolver struct {
	logger   *slog.Logger
	store    Store
	provider idp.ProviderAPI
}

func NewResolver(logger *slog.Logger, store Store, provider idp.ProviderAPI) *Resolver {
	return &Resolver{logger: logger, store: store, provider: provider}
}

// Resolve determines the subject's current organization.
//
// Zero active memberships provision a personal organization; the default
// type is individual-patient unless the session carries an explicit
// practitioner intent. One membership is returned directly; with several,
// the provider's org hint wins, otherwise the most recently active.
func (r *Resolver) Resolve(ctx context.Context, subject idp.Subject) (Resolution, error) {
	identity, err := r.ensureIdentity(ctx, subject)
	if err != nil {
		return Resolution{}, err
	}

	memberships, err := r.store.ListActiveMembershipsByIdentity(ctx, identity.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to list memberships: %w", err)
	}

	if len(memberships) == 0 {
		return r.ensureOrganization(ctx, identity, subject)
	}

	membership := pickCurrent(memberships, subject.OrgHint, func(orgID uuid.UUID) (database.Organization, error) {
		return r.store.GetOrganizationByID(ctx, orgID)
	})

	organization, err := r.store.GetOrganizationByID(ctx, membership.OrgID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load organization %s: %w", membership.OrgID, err)
	}

	if err := r.store.TouchMembership(ctx, membership.ID); err != nil {
		// Recency bookkeeping only; not worth failing the request.
		r.logger.Warn("Failed to touch membership", "membership_id", membership.ID, "error", err)
	}

	role, err := authz.ParseRole(membership.Role)
	if err != nil {
		return Resolution{}, fmt.Errorf("membership %s carries unknown role: %w", membership.ID, err)
	}

	return Resolution{
		Identity:     identity,
		Organization: organization,
		Context: authz.Context{
			IdentityID: identity.ID,
			OrgID:      organization.ID,
			Role:       role,
		},
	}, nil
}

func (r *Resolver) ensureIdentity(ctx context.Context, subject idp.Subject) (database.Identity, error) {
	identity, err := r.store.GetIdentityByExternalID(ctx, subject.ExternalID)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return database.Identity{}, fmt.Errorf("failed to look up identity: %w", err)
	}

	identity, err = r.store.ProvisionIdentity(ctx, database.CreateIdentityParams{
		ExternalID: subject.ExternalID,
		Email:      subject.Email,
		Name:       subject.Name,
	})
	if err == nil {
		return identity, nil
	}
	if errors.Is(err, database.ErrDuplicate) {
		// Lost the race against a concurrent first session; the winner's row
		// is what we want.
		return r.store.GetIdentityByExternalID(ctx, subject.ExternalID)
	}
	return database.Identity{}, fmt.Errorf("failed to create identity mirror: %w", err)
}

// ensureOrganization is the idempotent create path for the zero-membership
// case. Provisioning runs on a non-cancelable context: once started, a
// client disconnect must not leave a half-created identity/organization
// pair.
func (r *Resolver) ensureOrganization(ctx context.Context, identity database.Identity, subject idp.Subject) (Resolution, error) {
	ctx = context.WithoutCancel(ctx)

	orgType := idp.OrganizationTypePatient
	if subject.PractitionerIntent {
		orgType = idp.OrganizationTypePractitioner
	}
	orgName := personalOrgName(identity)

	externalOrgID, err := r.provider.CreateOrganization(ctx, orgName, orgType)
	if err != nil {
		r.logger.Error("Upstream organization creation failed", "identity_id", identity.ID, "error", err)
		telemetry.CountProvisioning("failed")
		return r.degraded(identity), nil
	}
	if _, err := r.provider.CreateMembership(ctx, identity.ExternalID, externalOrgID, authz.RoleOwner.String()); err != nil {
		r.logger.Error("Upstream membership creation failed", "identity_id", identity.ID, "error", err)
		telemetry.CountProvisioning("failed")
		return r.degraded(identity), nil
	}

	organization, membership, err := r.store.ProvisionOrganization(ctx, database.ProvisionOrganizationParams{
		IdentityID: identity.ID,
		ExternalID: externalOrgID,
		Name:       orgName,
		Type:       orgType.String(),
		Role:       authz.RoleOwner.String(),
	})
	if errors.Is(err, database.ErrDuplicate) {
		// Two tabs finished login at once; return the winner's organization.
		telemetry.CountProvisioning("reused")
		return r.resolveExisting(ctx, identity)
	}
	if err != nil {
		r.logger.Error("Local organization provisioning failed", "identity_id", identity.ID, "error", err)
		telemetry.CountProvisioning("failed")
		return r.degraded(identity), nil
	}

	role, err := authz.ParseRole(membership.Role)
	if err != nil {
		return Resolution{}, fmt.Errorf("provisioned membership carries unknown role: %w", err)
	}

	telemetry.CountProvisioning("created")
	return Resolution{
		Identity:     identity,
		Organization: organization,
		Context: authz.Context{
			IdentityID: identity.ID,
			OrgID:      organization.ID,
			Role:       role,
		},
		NeedsGuidedSetup: orgType == idp.OrganizationTypePractitioner,
	}, nil
}

func (r *Resolver) resolveExisting(ctx context.Context, identity database.Identity) (Resolution, error) {
	memberships, err := r.store.ListActiveMembershipsByIdentity(ctx, identity.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to re-read memberships after race: %w", err)
	}
	if len(memberships) == 0 {
		return Resolution{}, fmt.Errorf("%w: duplicate reported but no membership found", ErrOrganizationCreationFailed)
	}
	membership := memberships[0]

	organization, err := r.store.GetOrganizationByID(ctx, membership.OrgID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load organization after race: %w", err)
	}
	role, err := authz.ParseRole(membership.Role)
	if err != nil {
		return Resolution{}, fmt.Errorf("membership %s carries unknown role: %w", membership.ID, err)
	}
	return Resolution{
		Identity:     identity,
		Organization: organization,
		Context: authz.Context{
			IdentityID: identity.ID,
			OrgID:      organization.ID,
			Role:       role,
		},
	}, nil
}

// degraded keeps the session alive with no organization. Every org-scoped
// query fails closed until the next Resolve retries provisioning.
func (r *Resolver) degraded(identity database.Identity) Resolution {
	return Resolution{
		Identity: identity,
		Context:  authz.Context{IdentityID: identity.ID},
		Degraded: true,
	}
}

// pickCurrent prefers the membership matching the provider's org hint;
// memberships arrive most-recently-active first, so the fallback is the
// first element.
func pickCurrent(memberships []database.Membership, orgHint string, loadOrg func(uuid.UUID) (database.Organization, error)) database.Membership {
	if orgHint != "" {
		for _, m := range memberships {
			org, err := loadOrg(m.OrgID)
			if err == nil && org.ExternalID == orgHint {
				return m
			}
		}
	}
	return memberships[0]
}

func personalOrgName(identity database.Identity) string {
	if identity.Name != "" {
		return identity.Name
	}
	return identity.Email
}
