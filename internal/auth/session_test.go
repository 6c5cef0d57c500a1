package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

var client = model.ClientMeta{IP: "203.0.113.7", UserAgent: "test-agent"}

func TestCreateSession_AuthenticateAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := createUser(t, h, "+15550000")

	tokens, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, testStart.Add(7*24*time.Hour), tokens.RefreshExpiresAt)

	p, err := h.svc.Sessions.Authenticate(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.UserID)
	assert.Equal(t, tokens.SessionID, p.SessionID)

	cached, err := h.cache.Get(ctx, sessionKey(user.ID, tokens.SessionID))
	require.NoError(t, err)
	assert.NotEmpty(t, cached)

	h.clock.Advance(time.Second)
	_, err = h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)
	list, err := h.svc.Sessions.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

	stored, err := h.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)
}

func TestCreateSession_DisabledUser(t *testing.T) {
	h := newHarness(t)
	user := createUser(t, h, "+15550000")
	user.Status = model.UserStatusDisabled

	_, err := h.svc.Sessions.CreateSession(context.Background(), user, client)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestRefreshSession_RotatesAndRejectsReuse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := createUser(t, h, "+15550000")

	first, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)
	other, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.svc.Sessions.RefreshSession(ctx, first.RefreshToken, "198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old access token died with the rotation.
	_, err = h.svc.Sessions.Authenticate(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	_, err = h.svc.Sessions.Authenticate(ctx, second.AccessToken)
	require.NoError(t, err)

	// Replaying the superseded refresh token is treated as theft.
	_, err = h.svc.Sessions.RefreshSession(ctx, first.RefreshToken, "198.51.100.1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	list, err := h.svc.Sessions.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = h.svc.Sessions.RefreshSession(ctx, second.RefreshToken, "198.51.100.1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = h.svc.Sessions.RefreshSession(ctx, other.RefreshToken, "198.51.100.1")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshSession_ReuseDetectedWithoutCache(t *testing.T) {
	h := newHarnessWithCache(t, downCache{})
	ctx := context.Background()
	user := createUser(t, h, "+15550000")

	first, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)
	_, err = h.svc.Sessions.RefreshSession(ctx, first.RefreshToken, "")
	require.NoError(t, err)

	_, err = h.svc.Sessions.RefreshSession(ctx, first.RefreshToken, "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	s, err := h.store.Sessions().Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.False(t, s.Active)
}

func TestRefreshSession_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := createUser(t, h, "+15550000")
	tokens, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)

	_, err = h.svc.Sessions.RefreshSession(ctx, tokens.AccessToken, "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken, "access token must not refresh")

	_, err = h.svc.Sessions.RefreshSession(ctx, "garbage", "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	require.NoError(t, h.svc.Sessions.InvalidateSession(ctx, user.ID, &tokens.SessionID))
	_, err = h.svc.Sessions.RefreshSession(ctx, tokens.RefreshToken, "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestInvalidateSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := createUser(t, h, "+15550000")
	bob := createUser(t, h, "+15550001")

	a1, err := h.svc.Sessions.CreateSession(ctx, alice, client)
	require.NoError(t, err)
	_, err = h.svc.Sessions.CreateSession(ctx, alice, client)
	require.NoError(t, err)
	b1, err := h.svc.Sessions.CreateSession(ctx, bob, client)
	require.NoError(t, err)

	require.NoError(t, h.svc.Sessions.InvalidateSession(ctx, alice.ID, &a1.SessionID))
	require.NoError(t, h.svc.Sessions.InvalidateSession(ctx, alice.ID, &a1.SessionID), "second revoke is a no-op")
	_, err = h.svc.Sessions.Authenticate(ctx, a1.AccessToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	// A user cannot revoke someone else's session.
	require.NoError(t, h.svc.Sessions.InvalidateSession(ctx, alice.ID, &b1.SessionID))
	_, err = h.svc.Sessions.Authenticate(ctx, b1.AccessToken)
	assert.NoError(t, err)

	require.NoError(t, h.svc.Sessions.InvalidateSession(ctx, alice.ID, nil))
	list, err := h.svc.Sessions.ListSessions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	n, err := h.cache.DeletePattern(ctx, userSessionsPattern(alice.ID))
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err = h.svc.Sessions.ListSessions(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRevokeAll_RotatesSecrets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := createUser(t, h, "+15550000")
	tokens, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)

	require.NoError(t, h.svc.Sessions.RevokeAll(ctx, user.ID))
	_, err = h.svc.Vault.VerifyByLookup(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCleanupExpired_Sessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := createUser(t, h, "+15550000")

	revoked, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)
	require.NoError(t, h.svc.Sessions.InvalidateSession(ctx, user.ID, &revoked.SessionID))
	live, err := h.svc.Sessions.CreateSession(ctx, user, client)
	require.NoError(t, err)

	n, err := h.svc.Sessions.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h.clock.Advance(7 * 24 * time.Hour)
	n, err = h.svc.Sessions.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.cache.Get(ctx, sessionKey(user.ID, live.SessionID))
	assert.Error(t, err)
	_, err = h.store.Sessions().Get(ctx, live.SessionID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
