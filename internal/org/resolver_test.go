package org_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"carebook/internal/authz"
	"carebook/internal/idp"
	"carebook/internal/org"
	"carebook/internal/telemetry"
	"carebook/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(store *testutil.FakeStore, provider *testutil.FakeProvider) *org.Resolver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return org.NewResolver(logger, store, provider)
}

func patientSubject() idp.Subject {
	return idp.Subject{
		ExternalID: "idp|patient-1",
		Email:      "patient@example.com",
		Name:       "Pat Patient",
	}
}

func TestResolve_FirstContactProvisionsPatientOrg(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	resolver := newResolver(store, provider)

	res, err := resolver.Resolve(context.Background(), patientSubject())
	require.NoError(t, err)

	assert.False(t, res.Degraded)
	assert.False(t, res.NeedsGuidedSetup)
	assert.Equal(t, idp.OrganizationTypePatient.String(), res.Organization.Type)
	assert.Equal(t, authz.RoleOwner, res.Context.Role)
	assert.Equal(t, res.Identity.ID, res.Context.IdentityID)
	assert.Equal(t, res.Organization.ID, res.Context.OrgID)
	assert.Equal(t, 1, store.CountOrganizations())
	assert.Equal(t, 1, store.CountMemberships())
}

func TestResolve_PractitionerIntentRoutesToGuidedSetup(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	resolver := newResolver(store, provider)

	subject := idp.Subject{
		ExternalID:         "idp|expert-1",
		Email:              "expert@example.com",
		Name:               "Ella Expert",
		PractitionerIntent: true,
	}

	res, err := resolver.Resolve(context.Background(), subject)
	require.NoError(t, err)

	assert.Equal(t, idp.OrganizationTypePractitioner.String(), res.Organization.Type)
	assert.True(t, res.NeedsGuidedSetup)
}

func TestResolve_SecondCallReturnsSameOrg(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	resolver := newResolver(store, provider)

	first, err := resolver.Resolve(context.Background(), patientSubject())
	require.NoError(t, err)

	second, err := resolver.Resolve(context.Background(), patientSubject())
	require.NoError(t, err)

	assert.Equal(t, first.Organization.ID, second.Organization.ID)
	assert.Equal(t, 1, store.CountOrganizations())
	// Guided setup applies only to the provisioning call.
	assert.False(t, second.NeedsGuidedSetup)
}

func TestResolve_ConcurrentFirstContactCreatesOneOrg(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	resolver := newResolver(store, provider)

	const callers = 2
	results := make([]org.Resolution, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = resolver.Resolve(context.Background(), patientSubject())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.False(t, results[i].Degraded)
	}
	assert.Equal(t, results[0].Organization.ID, results[1].Organization.ID)
	assert.Equal(t, 1, store.CountOrganizations())
	assert.Equal(t, 1, store.CountMemberships())
	assert.Equal(t, 1, store.CountIdentities())
}

func TestResolve_ProviderOutageDegradesWithoutFailing(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	provider.FailCreateOrganization = true
	resolver := newResolver(store, provider)

	res, err := resolver.Resolve(context.Background(), patientSubject())
	require.NoError(t, err, "provisioning failure must not block session establishment")

	assert.True(t, res.Degraded)
	assert.True(t, res.Context.Degraded())
	assert.Equal(t, 0, store.CountOrganizations())

	// Upstream recovers; the lazy retry provisions normally.
	provider.FailCreateOrganization = false
	res, err = resolver.Resolve(context.Background(), patientSubject())
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, 1, store.CountOrganizations())
}

var registerMetricsOnce = sync.OnceFunc(telemetry.Init)

func provisioningCount(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "carebook_org_provisioning_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestResolve_ProvisioningOutcomesAreCounted(t *testing.T) {
	registerMetricsOnce()

	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	provider.FailCreateOrganization = true
	resolver := newResolver(store, provider)

	failedBefore := provisioningCount(t, "failed")
	createdBefore := provisioningCount(t, "created")

	res, err := resolver.Resolve(context.Background(), patientSubject())
	require.NoError(t, err)
	require.True(t, res.Degraded)
	assert.Equal(t, failedBefore+1, provisioningCount(t, "failed"))

	provider.FailCreateOrganization = false
	res, err = resolver.Resolve(context.Background(), patientSubject())
	require.NoError(t, err)
	require.False(t, res.Degraded)
	assert.Equal(t, createdBefore+1, provisioningCount(t, "created"))
}

func TestResolve_MultipleMembershipsPrefersOrgHint(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	resolver := newResolver(store, provider)

	identity := store.AddIdentity("idp|multi-1", "multi@example.com", "Multi Member")
	recent := store.AddOrganization("org_recent", "Recent Clinic", "clinic")
	hinted := store.AddOrganization("org_hinted", "Hinted Clinic", "clinic")
	store.AddMembership(identity.ID, recent.ID, "member", time.Now())
	store.AddMembership(identity.ID, hinted.ID, "admin", time.Now().Add(-time.Hour))

	subject := idp.Subject{
		ExternalID: "idp|multi-1",
		Email:      "multi@example.com",
		OrgHint:    "org_hinted",
	}

	res, err := resolver.Resolve(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, hinted.ID, res.Organization.ID)
	assert.Equal(t, authz.RoleAdmin, res.Context.Role)
}

func TestResolve_MultipleMembershipsFallsBackToMostRecent(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	resolver := newResolver(store, provider)

	identity := store.AddIdentity("idp|multi-2", "multi2@example.com", "Multi Member")
	older := store.AddOrganization("org_older", "Older Clinic", "clinic")
	newer := store.AddOrganization("org_newer", "Newer Clinic", "clinic")
	store.AddMembership(identity.ID, older.ID, "member", time.Now().Add(-time.Hour))
	store.AddMembership(identity.ID, newer.ID, "member", time.Now())

	res, err := resolver.Resolve(context.Background(), idp.Subject{
		ExternalID: "idp|multi-2",
		Email:      "multi2@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, newer.ID, res.Organization.ID)
}
