package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/dotmap/internal/identity"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync/mapsynctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryTokens struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryTokens() *memoryTokens {
	return &memoryTokens{values: make(map[string]string)}
}

func (m *memoryTokens) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *memoryTokens) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryTokens) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

type stubAuthenticator struct {
	account   identity.Account
	signedIn  bool
	signInErr error
	attempts  int
}

func (s *stubAuthenticator) SignInAnonymously(context.Context) (identity.Account, error) {
	s.attempts++
	if s.signInErr != nil {
		return identity.Account{}, s.signInErr
	}
	s.signedIn = true
	return s.account, nil
}

func (s *stubAuthenticator) CurrentAccount() (identity.Account, bool) {
	return s.account, s.signedIn
}

var here = mapsync.Position{Lat: 18.5204, Lng: 73.8567}

func newSelectedSession(t *testing.T, store *mapsynctest.Store, scope mapsync.Scope) *mapsync.Session {
	t.Helper()
	session, err := mapsync.NewSession(mapsync.SessionConfig{Store: store})
	require.NoError(t, err)
	t.Cleanup(session.Close)
	require.NoError(t, session.Select(context.Background(), scope))
	return session
}

func TestCookieToggleRoundTripIsNetZero(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	scope, err := mapsync.CommunityScope("c-1")
	require.NoError(t, err)
	store.Seed(scope, mapsync.Position{Lat: 1, Lng: 1})
	before := store.Markers(scope)

	session := newSelectedSession(t, store, scope)
	tokens := newMemoryTokens()
	cookie, err := identity.NewCookieIdentity(identity.CookieConfig{
		Session:    session,
		Tokens:     tokens,
		Geolocator: identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	result, err := cookie.Toggle(ctx)
	require.NoError(t, err)
	require.True(t, result.Created)
	assert.Equal(t, here, result.Marker.Position)

	dot, ok := cookie.MyDot(ctx)
	require.True(t, ok)
	assert.Equal(t, result.Marker.ID, dot.ID)
	assert.True(t, cookie.IsMine(ctx, dot))
	assert.False(t, cookie.IsMine(ctx, before[0]))
	stored, ok, _ := tokens.Get(ctx, "my_dot:c-1")
	require.True(t, ok)
	assert.Equal(t, dot.ID, stored)

	result, err = cookie.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, result.Removed)

	assert.Equal(t, before, store.Markers(scope))
	_, ok, _ = tokens.Get(ctx, "my_dot:c-1")
	assert.False(t, ok)
}

func TestCookieToggleOffClearsTokenWhenMarkerAlreadyGone(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	session := newSelectedSession(t, store, mapsync.GlobalScope())
	tokens := newMemoryTokens()
	cookie, err := identity.NewCookieIdentity(identity.CookieConfig{
		Session:    session,
		Tokens:     tokens,
		Geolocator: identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	result, err := cookie.Toggle(ctx)
	require.NoError(t, err)

	// another client clears the map
	assert.Equal(t, 1, session.DeleteAll(ctx))
	_, ok := cookie.MyDot(ctx)
	assert.False(t, ok)

	toggled, err := cookie.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, toggled.Removed)
	assert.Equal(t, result.Marker.ID, toggled.Marker.ID)
	_, ok, _ = tokens.Get(ctx, identity.TokenKey(mapsync.GlobalScope()))
	assert.False(t, ok)
}

func TestCookieDeleteMarkerForgetsToken(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	session := newSelectedSession(t, store, mapsync.GlobalScope())
	tokens := newMemoryTokens()
	cookie, err := identity.NewCookieIdentity(identity.CookieConfig{
		Session:    session,
		Tokens:     tokens,
		Geolocator: identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	other := store.Seed(mapsync.GlobalScope(), mapsync.Position{Lat: 2, Lng: 2})[0]
	result, err := cookie.Toggle(ctx)
	require.NoError(t, err)

	require.NoError(t, cookie.DeleteMarker(ctx, other.ID))
	_, ok, _ := tokens.Get(ctx, "my_dot")
	assert.True(t, ok, "deleting another marker keeps the token")

	require.NoError(t, cookie.DeleteMarker(ctx, result.Marker.ID))
	_, ok, _ = tokens.Get(ctx, "my_dot")
	assert.False(t, ok)

	again, err := cookie.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, again.Created)
}

func TestCookieToggleGeolocationFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	session := newSelectedSession(t, store, mapsync.GlobalScope())
	tokens := newMemoryTokens()
	cookie, err := identity.NewCookieIdentity(identity.CookieConfig{
		Session:    session,
		Tokens:     tokens,
		Geolocator: identity.NewUnavailableGeolocator(),
	})
	require.NoError(t, err)

	_, err = cookie.Toggle(ctx)
	assert.ErrorIs(t, err, identity.ErrPositionUnavailable)
	assert.Equal(t, 0, store.CreateCalls)
	assert.Empty(t, tokens.values)
}

func TestCookieMoveRecreatesDot(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	session := newSelectedSession(t, store, mapsync.GlobalScope())
	tokens := newMemoryTokens()
	cookie, err := identity.NewCookieIdentity(identity.CookieConfig{
		Session:    session,
		Tokens:     tokens,
		Geolocator: identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	first, err := cookie.Toggle(ctx)
	require.NoError(t, err)
	moved, err := cookie.Move(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.Marker.ID, moved.ID)
	markers := store.Markers(mapsync.GlobalScope())
	require.Len(t, markers, 1)
	assert.Equal(t, moved.ID, markers[0].ID)
}

func TestOwnershipToggleSignsInAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	store.Seed(mapsync.GlobalScope(), mapsync.Position{Lat: 5, Lng: 5})
	before := store.Markers(mapsync.GlobalScope())
	session := newSelectedSession(t, store, mapsync.GlobalScope())
	auth := &stubAuthenticator{account: identity.Account{UserID: "anon-1"}}
	owned, err := identity.NewOwnershipIdentity(identity.OwnershipConfig{
		Session:       session,
		Authenticator: auth,
		Geolocator:    identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	_, ok := owned.MyDot(ctx)
	require.False(t, ok)

	result, err := owned.Toggle(ctx)
	require.NoError(t, err)
	require.True(t, result.Created)
	assert.Equal(t, 1, auth.attempts)
	assert.Equal(t, "anon-1", result.Marker.OwnerRef)

	dot, ok := owned.MyDot(ctx)
	require.True(t, ok)
	assert.Equal(t, result.Marker.ID, dot.ID)
	assert.True(t, owned.IsMine(ctx, dot))
	assert.False(t, owned.IsMine(ctx, before[0]))

	result, err = owned.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, result.Removed)
	assert.Equal(t, 1, auth.attempts, "an authenticated toggle does not sign in again")
	assert.Equal(t, before, store.Markers(mapsync.GlobalScope()))
}

func TestOwnershipToggleSignInFailureAborts(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	session := newSelectedSession(t, store, mapsync.GlobalScope())
	auth := &stubAuthenticator{signInErr: identity.ErrPermissionDenied}
	owned, err := identity.NewOwnershipIdentity(identity.OwnershipConfig{
		Session:       session,
		Authenticator: auth,
		Geolocator:    identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	_, err = owned.Toggle(ctx)
	assert.ErrorIs(t, err, identity.ErrPermissionDenied)
	assert.Equal(t, 1, auth.attempts)
	assert.Equal(t, 0, store.CreateCalls)
}

func TestOwnershipIgnoresMarkersOfOtherOwners(t *testing.T) {
	ctx := context.Background()
	store := mapsynctest.NewStore()
	session := newSelectedSession(t, store, mapsync.GlobalScope())
	_, err := store.CreateMarker(ctx, mapsync.GlobalScope(), mapsync.Position{Lat: 1, Lng: 1}, "someone-else")
	require.NoError(t, err)

	auth := &stubAuthenticator{account: identity.Account{UserID: "anon-2"}, signedIn: true}
	owned, err := identity.NewOwnershipIdentity(identity.OwnershipConfig{
		Session:       session,
		Authenticator: auth,
		Geolocator:    identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	_, ok := owned.MyDot(ctx)
	assert.False(t, ok)

	result, err := owned.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 0, auth.attempts)
	assert.Len(t, session.Markers(), 2)
}

func TestToggleRequiresScope(t *testing.T) {
	ctx := context.Background()
	session, err := mapsync.NewSession(mapsync.SessionConfig{Store: mapsynctest.NewStore()})
	require.NoError(t, err)
	cookie, err := identity.NewCookieIdentity(identity.CookieConfig{
		Session:    session,
		Tokens:     newMemoryTokens(),
		Geolocator: identity.NewStaticGeolocator(here),
	})
	require.NoError(t, err)

	_, err = cookie.Toggle(ctx)
	assert.True(t, errors.Is(err, mapsync.ErrNoScope))
}
