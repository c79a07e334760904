// Package testutil provides in-memory fakes for the data layer and the
// identity provider, with the same uniqueness and atomicity semantics the
// real implementations have.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"carebook/internal/database"
	"carebook/internal/idp"

	"github.com/google/uuid"
)

// FakeStore is an in-memory stand-in for database.Database. It enforces the
// same uniqueness anchors the schema declares: external id and active email
// on identities, one owner membership per identity. ProvisionOrganization is
// atomic, as in the real transaction.
type FakeStore struct {
	mu            sync.Mutex
	identities    map[uuid.UUID]database.Identity
	organizations map[uuid.UUID]database.Organization
	memberships   map[uuid.UUID]database.Membership
	auditEvents   []database.AuditEvent

	// FailProvisionOrganization forces local provisioning to fail.
	FailProvisionOrganization bool
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		identities:    make(map[uuid.UUID]database.Identity),
		organizations: make(map[uuid.UUID]database.Organization),
		memberships:   make(map[uuid.UUID]database.Membership),
	}
}

func (s *FakeStore) GetIdentityByExternalID(_ context.Context, externalID string) (database.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if identity.ExternalID == externalID && identity.DeactivatedAt == nil {
			return identity, nil
		}
	}
	return database.Identity{}, database.ErrNotFound
}

func (s *FakeStore) GetIdentityByEmail(_ context.Context, email string) (database.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if identity.Email == email && identity.DeactivatedAt == nil {
			return identity, nil
		}
	}
	return database.Identity{}, database.ErrNotFound
}

func (s *FakeStore) ProvisionIdentity(_ context.Context, params database.CreateIdentityParams) (database.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if identity.DeactivatedAt != nil {
			continue
		}
		if identity.ExternalID == params.ExternalID || strings.EqualFold(identity.Email, params.Email) {
			return database.Identity{}, database.ErrDuplicate
		}
	}
	identity := database.Identity{
		ID:         uuid.New(),
		ExternalID: params.ExternalID,
		Email:      params.Email,
		Name:       params.Name,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	s.identities[identity.ID] = identity
	return identity, nil
}

func (s *FakeStore) ListActiveMembershipsByIdentity(_ context.Context, identityID uuid.UUID) ([]database.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var memberships []database.Membership
	for _, m := range s.memberships {
		if m.IdentityID == identityID && m.Status == database.MembershipStatusActive {
			memberships = append(memberships, m)
		}
	}
	// Most recently active first.
	for i := 0; i < len(memberships); i++ {
		for j := i + 1; j < len(memberships); j++ {
			if memberships[j].LastActiveAt.After(memberships[i].LastActiveAt) {
				memberships[i], memberships[j] = memberships[j], memberships[i]
			}
		}
	}
	return memberships, nil
}

func (s *FakeStore) GetOrganizationByID(_ context.Context, id uuid.UUID) (database.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.organizations[id]
	if !ok {
		return database.Organization{}, database.ErrNotFound
	}
	return org, nil
}

func (s *FakeStore) ProvisionOrganization(_ context.Context, params database.ProvisionOrganizationParams) (database.Organization, database.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailProvisionOrganization {
		return database.Organization{}, database.Membership{}, errors.New("provisioning failed")
	}

	if params.Role == "owner" {
		for _, m := range s.memberships {
			if m.IdentityID == params.IdentityID && m.Role == "owner" {
				return database.Organization{}, database.Membership{}, database.ErrDuplicate
			}
		}
	}

	org := database.Organization{
		ID:         uuid.New(),
		ExternalID: params.ExternalID,
		Name:       params.Name,
		Type:       params.Type,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	membership := database.Membership{
		ID:           uuid.New(),
		IdentityID:   params.IdentityID,
		OrgID:        org.ID,
		Role:         params.Role,
		Status:       database.MembershipStatusActive,
		LastActiveAt: time.Now(),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	s.organizations[org.ID] = org
	s.memberships[membership.ID] = membership
	return org, membership, nil
}

func (s *FakeStore) TouchMembership(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return database.ErrNotFound
	}
	m.LastActiveAt = time.Now()
	s.memberships[id] = m
	return nil
}

// AddMembership seeds a membership (and returns it) for multi-org tests.
func (s *FakeStore) AddMembership(identityID, orgID uuid.UUID, role string, lastActive time.Time) database.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	membership := database.Membership{
		ID:           uuid.New(),
		IdentityID:   identityID,
		OrgID:        orgID,
		Role:         role,
		Status:       database.MembershipStatusActive,
		LastActiveAt: lastActive,
	}
	s.memberships[membership.ID] = membership
	return membership
}

// AddOrganization seeds an organization.
func (s *FakeStore) AddOrganization(externalID, name, orgType string) database.Organization {
	s.mu.Lock()
	defer s.mu.Unlock()
	org := database.Organization{
		ID:         uuid.New(),
		ExternalID: externalID,
		Name:       name,
		Type:       orgType,
	}
	s.organizations[org.ID] = org
	return org
}

// AddIdentity seeds an identity.
func (s *FakeStore) AddIdentity(externalID, email, name string) database.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity := database.Identity{
		ID:         uuid.New(),
		ExternalID: externalID,
		Email:      email,
		Name:       name,
	}
	s.identities[identity.ID] = identity
	return identity
}

// CountOrganizations returns the number of stored organizations.
func (s *FakeStore) CountOrganizations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.organizations)
}

// CountMemberships returns the number of stored memberships.
func (s *FakeStore) CountMemberships() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memberships)
}

// CountIdentities returns the number of stored active identities.
func (s *FakeStore) CountIdentities() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, identity := range s.identities {
		if identity.DeactivatedAt == nil {
			n++
		}
	}
	return n
}

// FakeProvider is an in-memory identity provider management API.
type FakeProvider struct {
	mu sync.Mutex

	// FailCreateOrganization makes CreateOrganization return
	// ErrProviderUnavailable until cleared.
	FailCreateOrganization bool
	// FailCreateIdentity makes CreateIdentity return ErrProviderUnavailable.
	FailCreateIdentity bool

	identityEmails map[string]string // email -> external id

	CreatedOrganizations int
	CreatedIdentities    int
	CreatedMemberships   int
	SentCodes            []string
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{identityEmails: make(map[string]string)}
}

var _ idp.ProviderAPI = (*FakeProvider)(nil)

func (p *FakeProvider) CreateIdentity(_ context.Context, email, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailCreateIdentity {
		return "", idp.ErrProviderUnavailable
	}
	if _, ok := p.identityEmails[email]; ok {
		return "", idp.ErrConflict
	}
	id := "idp|" + uuid.NewString()
	p.identityEmails[email] = id
	p.CreatedIdentities++
	return id, nil
}

func (p *FakeProvider) CreateOrganization(_ context.Context, _ string, _ idp.OrganizationType) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailCreateOrganization {
		return "", idp.ErrProviderUnavailable
	}
	p.CreatedOrganizations++
	return "org_" + uuid.NewString(), nil
}

func (p *FakeProvider) CreateMembership(_ context.Context, _, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreatedMemberships++
	return "mem_" + uuid.NewString(), nil
}

func (p *FakeProvider) SendPasswordlessCode(_ context.Context, identityExternalID, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SentCodes = append(p.SentCodes, identityExternalID+":"+code)
	return nil
}
