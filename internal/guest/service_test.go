package guest_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"carebook/internal/authz"
	"carebook/internal/guest"
	"carebook/internal/notifications"
	"carebook/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCodeIssuer struct {
	mu     sync.Mutex
	issued int
	fail   bool
}

func (f *fakeCodeIssuer) Issue(_ context.Context, _ uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", context.DeadlineExceeded
	}
	f.issued++
	return "123456", nil
}

func (f *fakeCodeIssuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued
}

func newService(store *testutil.FakeStore, provider *testutil.FakeProvider, codes *fakeCodeIssuer) *guest.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := notifications.NewNotifier(logger, provider)
	return guest.NewService(logger, store, provider, codes, &notifier)
}

func TestFindOrCreateGuest_NewEmailProvisionsEverything(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	codes := &fakeCodeIssuer{}
	svc := newService(store, provider, codes)

	result, err := svc.FindOrCreateGuest(context.Background(), "Alice@Example.com ", "Alice")
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.Equal(t, "alice@example.com", result.Identity.Email)
	assert.Equal(t, "individual_patient", result.Organization.Type)
	assert.Equal(t, authz.RoleOwner, result.Context.Role)
	assert.Equal(t, 1, store.CountIdentities())
	assert.Equal(t, 1, store.CountOrganizations())
	assert.Equal(t, 1, store.CountMemberships())
	assert.Equal(t, 1, codes.count())
	assert.Len(t, provider.SentCodes, 1)
}

func TestFindOrCreateGuest_SecondCallReusesIdentity(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	codes := &fakeCodeIssuer{}
	svc := newService(store, provider, codes)

	first, err := svc.FindOrCreateGuest(context.Background(), "alice@example.com", "Alice")
	require.NoError(t, err)

	second, err := svc.FindOrCreateGuest(context.Background(), "alice@example.com", "Alice")
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Identity.ID, second.Identity.ID)
	assert.Equal(t, first.Organization.ID, second.Organization.ID)
	// No duplicate provisioning and no duplicate notification.
	assert.Equal(t, 1, store.CountIdentities())
	assert.Equal(t, 1, store.CountOrganizations())
	assert.Equal(t, 1, codes.count())
	assert.Len(t, provider.SentCodes, 1)
}

func TestFindOrCreateGuest_ConcurrentSameEmail(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	codes := &fakeCodeIssuer{}
	svc := newService(store, provider, codes)

	const callers = 2
	results := make([]guest.Result, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.FindOrCreateGuest(context.Background(), "alice@example.com", "Alice")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, results[0].Identity.ID, results[1].Identity.ID)
	assert.Equal(t, results[0].Organization.ID, results[1].Organization.ID)
	assert.Equal(t, 1, store.CountIdentities())
	assert.Equal(t, 1, store.CountOrganizations())
	assert.Equal(t, 1, store.CountMemberships())
	assert.LessOrEqual(t, codes.count(), 1, "at most one access code may be dispatched")
}

func TestFindOrCreateGuest_ProviderFailureIsFatal(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	provider.FailCreateIdentity = true
	codes := &fakeCodeIssuer{}
	svc := newService(store, provider, codes)

	_, err := svc.FindOrCreateGuest(context.Background(), "alice@example.com", "Alice")
	assert.ErrorIs(t, err, guest.ErrGuestUserCreation)
	assert.Equal(t, 0, store.CountIdentities())
	assert.Equal(t, 0, codes.count())
}

func TestFindOrCreateGuest_CompletesHalfProvisionedIdentity(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	codes := &fakeCodeIssuer{}
	svc := newService(store, provider, codes)

	// Identity mirror exists but has no organization, as after a degraded
	// session.
	store.AddIdentity("idp|half-1", "half@example.com", "Half Done")

	result, err := svc.FindOrCreateGuest(context.Background(), "half@example.com", "Half Done")
	require.NoError(t, err)

	assert.False(t, result.Created)
	assert.Equal(t, 1, store.CountOrganizations())
	assert.Equal(t, 1, store.CountMemberships())
	// Completing provisioning is not a fresh signup; no code is dispatched.
	assert.Equal(t, 0, codes.count())
}

func TestFindOrCreateGuest_EmptyEmail(t *testing.T) {
	store := testutil.NewFakeStore()
	provider := testutil.NewFakeProvider()
	codes := &fakeCodeIssuer{}
	svc := newService(store, provider, codes)

	_, err := svc.FindOrCreateGuest(context.Background(), "  ", "Nobody")
	assert.ErrorIs(t, err, guest.ErrGuestUserCreation)
}
