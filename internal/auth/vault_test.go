package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/identity/internal/model"
)

func createUser(t *testing.T, h *harness, phone string) model.User {
	t.Helper()
	u := model.User{Phone: &phone, CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now()}
	require.NoError(t, h.store.Users().Create(context.Background(), &u))
	return u
}

func TestIssueOrGetSecrets_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := h.svc.Vault.IssueOrGetSecrets(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, first.AccessSecret, secretSize)
	assert.Len(t, first.RefreshSecret, secretSize)
	assert.NotEqual(t, first.AccessSecret, first.RefreshSecret)

	second, err := h.svc.Vault.IssueOrGetSecrets(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIssueOrGetSecrets_ConcurrentConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	const callers = 8
	pairs := make([]model.SigningSecretPair, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.svc.Vault.IssueOrGetSecrets(ctx, userID)
			assert.NoError(t, err)
			pairs[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range pairs[1:] {
		assert.Equal(t, pairs[0].AccessSecret, p.AccessSecret)
	}
}

func TestSignAndVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := createUser(t, h, "+15550000")

	access, err := h.svc.Vault.SignAccessToken(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(15*time.Minute), access.ExpiresAt)

	claims, err := h.svc.Vault.Verify(ctx, access.Token, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, TokenAccess, claims.Type)
	assert.Equal(t, access.JTI, claims.ID)
	assert.Equal(t, model.RoleMember, claims.Role)

	refresh, err := h.svc.Vault.SignRefreshToken(ctx, user)
	require.NoError(t, err)
	claims, err = h.svc.Vault.VerifyByLookup(ctx, refresh.Token)
	require.NoError(t, err)
	assert.Equal(t, TokenRefresh, claims.Type)

	_, err = h.svc.Vault.VerifyAccess(ctx, refresh.Token)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_Failures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := createUser(t, h, "+15550000")
	other := createUser(t, h, "+15550001")

	access, err := h.svc.Vault.SignAccessToken(ctx, user)
	require.NoError(t, err)

	t.Run("wrong claimed user", func(t *testing.T) {
		_, err := h.svc.Vault.IssueOrGetSecrets(ctx, other.ID)
		require.NoError(t, err)
		_, err = h.svc.Vault.Verify(ctx, access.Token, other.ID)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := h.svc.Vault.Verify(ctx, access.Token, uuid.New())
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := h.svc.Vault.VerifyByLookup(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("foreign secret", func(t *testing.T) {
		forged, err := signToken([]byte("attacker"), &Claims{
			Type: TokenAccess,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   user.ID.String(),
				ExpiresAt: jwt.NewNumericDate(testStart.Add(time.Hour)),
			},
		})
		require.NoError(t, err)
		_, err = h.svc.Vault.VerifyByLookup(ctx, forged)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		h.clock.Advance(15 * time.Minute)
		_, err := h.svc.Vault.VerifyByLookup(ctx, access.Token)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})
}

func TestRotate_InvalidatesOnlyThatUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := createUser(t, h, "+15550000")
	bob := createUser(t, h, "+15550001")

	aliceToken, err := h.svc.Vault.SignAccessToken(ctx, alice)
	require.NoError(t, err)
	bobToken, err := h.svc.Vault.SignAccessToken(ctx, bob)
	require.NoError(t, err)

	before, err := h.svc.Vault.IssueOrGetSecrets(ctx, alice.ID)
	require.NoError(t, err)
	rotated, err := h.svc.Vault.Rotate(ctx, alice.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.AccessSecret, rotated.AccessSecret)

	_, err = h.svc.Vault.VerifyByLookup(ctx, aliceToken.Token)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	_, err = h.svc.Vault.VerifyByLookup(ctx, bobToken.Token)
	assert.NoError(t, err)

	fresh, err := h.svc.Vault.SignAccessToken(ctx, alice)
	require.NoError(t, err)
	_, err = h.svc.Vault.VerifyByLookup(ctx, fresh.Token)
	assert.NoError(t, err)
}
