// Package guest implements booking-time auto-registration: a brand-new
// email address becomes a full identity with its own personal organization,
// synchronously, without a prior session and without blocking the booking on
// any user action.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carebook/internal/authz"
	"carebook/internal/database"
	"carebook/internal/idp"
	"carebook/internal/notifications"
	"carebook/internal/org"

	"github.com/google/uuid"
)

// ErrGuestUserCreation is fatal to the enclosing booking transaction: the
// booking must not partially complete (e.g. take payment) without a linked
// identity.
var ErrGuestUserCreation = errors.New("guest: user creation failed")

// CodeIssuer issues one-time access codes. Implemented by otp.Store.
type CodeIssuer interface {
	Issue(ctx context.Context, identityID uuid.UUID) (string, error)
}

// Store extends the resolver's store with email lookup.
type Store interface {
	org.Store
	GetIdentityByEmail(ctx context.Context, email string) (database.Identity, error)
}

type Service struct {
	logger   *slog.Logger
	store    Store
	provider idp.ProviderAPI
	codes    CodeIssuer
	notifier *notifications.Notifier
}

func NewService(logger *slog.Logger, store Store, provider idp.ProviderAPI, codes CodeIssuer, notifier *notifications.Notifier) *Service {
	return &Service{logger: logger, store: store, provider: provider, codes: codes, notifier: notifier}
}

// Result carries the provisioned (or reused) identity and organization plus
// the authorization context the booking proceeds under.
type Result struct {
	Identity     database.Identity
	Organization database.Organization
	Context      authz.Context
	// Created reports whether a new identity was provisioned. Only a fresh
	// identity receives a passwordless access code.
	Created bool
}

// FindOrCreateGuest is idempotent on email: two simultaneous bookings with
// the same address end up with one identity, one organization, one owner
// membership and at most one dispatched access code.
func (s *Service) FindOrCreateGuest(ctx context.Context, email, displayName string) (Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Result{}, fmt.Errorf("%w: empty email", ErrGuestUserCreation)
	}

	// Once provisioning starts it runs to completion even if the client
	// disconnects; abandoning it halfway would orphan a partial
	// identity/organization pair.
	ctx = context.WithoutCancel(ctx)

	if identity, err := s.store.GetIdentityByEmail(ctx, email); err == nil {
		return s.existingGuest(ctx, identity)
	} else if !errors.Is(err, database.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: identity lookup: %v", ErrGuestUserCreation, err)
	}

	externalID, err := s.provider.CreateIdentity(ctx, email, displayName)
	if errors.Is(err, idp.ErrConflict) {
		// The provider already knows this address: a concurrent booking (or
		// an earlier out-of-band signup) won. Its local mirror may still be
		// a moment away from committing, so wait briefly for it.
		identity, lookupErr := s.awaitLocalIdentity(ctx, email)
		if lookupErr != nil {
			return Result{}, fmt.Errorf("%w: provider conflict but no local identity: %v", ErrGuestUserCreation, lookupErr)
		}
		return s.existingGuest(ctx, identity)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: provider identity creation: %v", ErrGuestUserCreation, err)
	}

	identity, err := s.store.ProvisionIdentity(ctx, database.CreateIdentityParams{
		ExternalID: externalID,
		Email:      email,
		Name:       displayName,
	})
	if errors.Is(err, database.ErrDuplicate) {
		identity, err = s.store.GetIdentityByEmail(ctx, email)
		if err != nil {
			return Result{}, fmt.Errorf("%w: duplicate identity but lookup failed: %v", ErrGuestUserCreation, err)
		}
		return s.existingGuest(ctx, identity)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: local identity mirror: %v", ErrGuestUserCreation, err)
	}

	result, err := s.provisionOrganization(ctx, identity)
	if err != nil {
		return Result{}, err
	}
	result.Created = true

	s.dispatchAccessCode(ctx, identity)
	return result, nil
}

func (s *Service) awaitLocalIdentity(ctx context.Context, email string) (database.Identity, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		identity, err := s.store.GetIdentityByEmail(ctx, email)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return database.Identity{}, err
		}
		lastErr = err

		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return database.Identity{}, ctx.Err()
		}
	}
	return database.Identity{}, lastErr
}

func (s *Service) existingGuest(ctx context.Context, identity database.Identity) (Result, error) {
	memberships, err := s.store.ListActiveMembershipsByIdentity(ctx, identity.ID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: membership lookup: %v", ErrGuestUserCreation, err)
	}
	if len(memberships) == 0 {
		// Identity exists but provisioning never finished (e.g. an earlier
		// degraded session). Complete it now; no new code is sent.
		return s.provisionOrganization(ctx, identity)
	}

	membership := memberships[0]
	organization, err := s.store.GetOrganizationByID(ctx, membership.OrgID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: organization lookup: %v", ErrGuestUserCreation, err)
	}
	role, err := authz.ParseRole(membership.Role)
	if err != nil {
		return Result{}, fmt.Errorf("%w: unknown role on membership %s: %v", ErrGuestUserCreation, membership.ID, err)
	}
	return Result{
		Identity:     identity,
		Organization: organization,
		Context:      authz.Context{IdentityID: identity.ID, OrgID: organization.ID, Role: role},
	}, nil
}

// provisionOrganization mirrors the resolver's ensure-organization step, but
// failure here is fatal: a booking cannot proceed without an organization to
// own its rows.
func (s *Service) provisionOrganization(ctx context.Context, identity database.Identity) (Result, error) {
	orgName := identity.Name
	if orgName == "" {
		orgName = identity.Email
	}

	externalOrgID, err := s.provider.CreateOrganization(ctx, orgName, idp.OrganizationTypePatient)
	if err != nil {
		return Result{}, fmt.Errorf("%w: provider organization creation: %v", ErrGuestUserCreation, err)
	}
	if _, err := s.provider.CreateMembership(ctx, identity.ExternalID, externalOrgID, authz.RoleOwner.String()); err != nil {
		return Result{}, fmt.Errorf("%w: provider membership creation: %v", ErrGuestUserCreation, err)
	}

	organization, membership, err := s.store.ProvisionOrganization(ctx, database.ProvisionOrganizationParams{
		IdentityID: identity.ID,
		ExternalID: externalOrgID,
		Name:       orgName,
		Type:       idp.OrganizationTypePatient.String(),
		Role:       authz.RoleOwner.String(),
	})
	if errors.Is(err, database.ErrDuplicate) {
		return s.existingGuest(ctx, identity)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: local organization provisioning: %v", ErrGuestUserCreation, err)
	}

	role, err := authz.ParseRole(membership.Role)
	if err != nil {
		return Result{}, fmt.Errorf("%w: unknown role on provisioned membership: %v", ErrGuestUserCreation, err)
	}
	return Result{
		Identity:     identity,
		Organization: organization,
		Context:      authz.Context{IdentityID: identity.ID, OrgID: organization.ID, Role: role},
	}, nil
}

// dispatchAccessCode is best-effort: the booking proceeds even if delivery
// fails, since the guest can request a fresh code later.
func (s *Service) dispatchAccessCode(ctx context.Context, identity database.Identity) {
	code, err := s.codes.Issue(ctx, identity.ID)
	if err != nil {
		s.logger.Error("Failed to issue access code", "identity_id", identity.ID, "error", err)
		return
	}
	if err := s.notifier.SendAccessCode(ctx, identity.ExternalID, code); err != nil {
		s.logger.Error("Failed to send access code", "identity_id", identity.ID, "error", err)
	}
}
