package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/clock"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

const secretSize = 32

// VaultConfig holds token lifetimes
type VaultConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// SecretVault owns the per-user signing secrets and everything signed with them
type SecretVault struct {
	store  repo.Store
	clock  clock.Clock
	log    *zap.Logger
	cfg    VaultConfig
	random io.Reader
}

// NewSecretVault creates a new SecretVault
func NewSecretVault(store repo.Store, clk clock.Clock, log *zap.Logger, random io.Reader, cfg VaultConfig) *SecretVault {
	return &SecretVault{store: store, clock: clk, log: log, cfg: cfg, random: random}
}

// IssueOrGetSecrets returns the user's pair, creating it on first use.
// Concurrent first calls converge on a single stored pair.
func (v *SecretVault) IssueOrGetSecrets(ctx context.Context, userID uuid.UUID) (model.SigningSecretPair, error) {
	pair, err := v.issueOrGet(ctx, v.store, userID)
	if err != nil {
		return model.SigningSecretPair{}, storeError("IssueOrGetSecrets", err)
	}
	return pair, nil
}

func (v *SecretVault) issueOrGet(ctx context.Context, r repo.Repositories, userID uuid.UUID) (model.SigningSecretPair, error) {
	pair, err := r.Secrets().Get(ctx, userID)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return model.SigningSecretPair{}, err
	}

	fresh, err := v.generate(userID)
	if err != nil {
		return model.SigningSecretPair{}, err
	}
	if err := r.Secrets().InsertIfAbsent(ctx, fresh); err != nil {
		return model.SigningSecretPair{}, err
	}
	// Read back: a concurrent caller may have won the insert.
	return r.Secrets().Get(ctx, userID)
}

// Rotate replaces both secrets. Every token signed with the old pair stops verifying.
func (v *SecretVault) Rotate(ctx context.Context, userID uuid.UUID) (model.SigningSecretPair, error) {
	pair, err := v.generate(userID)
	if err != nil {
		return model.SigningSecretPair{}, storeError("Rotate", err)
	}
	if err := v.store.Secrets().Replace(ctx, pair); err != nil {
		return model.SigningSecretPair{}, storeError("Rotate", err)
	}
	v.log.Info("signing secrets rotated", zap.String("user_id", userID.String()))
	return pair, nil
}

func (v *SecretVault) generate(userID uuid.UUID) (model.SigningSecretPair, error) {
	access := make([]byte, secretSize)
	refresh := make([]byte, secretSize)
	if _, err := io.ReadFull(v.random, access); err != nil {
		return model.SigningSecretPair{}, fmt.Errorf("generate access secret: %w", err)
	}
	if _, err := io.ReadFull(v.random, refresh); err != nil {
		return model.SigningSecretPair{}, fmt.Errorf("generate refresh secret: %w", err)
	}
	now := v.clock.Now()
	return model.SigningSecretPair{
		UserID:        userID,
		AccessSecret:  access,
		RefreshSecret: refresh,
		CreatedAt:     now,
		RotatedAt:     now,
	}, nil
}

// SignAccessToken signs a short-lived access token for user
func (v *SecretVault) SignAccessToken(ctx context.Context, user model.User) (SignedToken, error) {
	pair, err := v.issueOrGet(ctx, v.store, user.ID)
	if err != nil {
		return SignedToken{}, storeError("SignAccessToken", err)
	}
	return v.sign(pair, user, TokenAccess, uuid.Nil)
}

// SignRefreshToken signs a long-lived refresh token for user
func (v *SecretVault) SignRefreshToken(ctx context.Context, user model.User) (SignedToken, error) {
	pair, err := v.issueOrGet(ctx, v.store, user.ID)
	if err != nil {
		return SignedToken{}, storeError("SignRefreshToken", err)
	}
	return v.sign(pair, user, TokenRefresh, uuid.Nil)
}

// signPair issues an access and a refresh token bound to sessionID, using r
// so a surrounding transaction sees a lazily created pair.
func (v *SecretVault) signPair(ctx context.Context, r repo.Repositories, user model.User, sessionID uuid.UUID) (SignedToken, SignedToken, error) {
	pair, err := v.issueOrGet(ctx, r, user.ID)
	if err != nil {
		return SignedToken{}, SignedToken{}, err
	}
	access, err := v.sign(pair, user, TokenAccess, sessionID)
	if err != nil {
		return SignedToken{}, SignedToken{}, err
	}
	refresh, err := v.sign(pair, user, TokenRefresh, sessionID)
	if err != nil {
		return SignedToken{}, SignedToken{}, err
	}
	return access, refresh, nil
}

func (v *SecretVault) sign(pair model.SigningSecretPair, user model.User, typ TokenType, sessionID uuid.UUID) (SignedToken, error) {
	now := v.clock.Now()
	ttl, secret := v.cfg.AccessTTL, pair.AccessSecret
	if typ == TokenRefresh {
		ttl, secret = v.cfg.RefreshTTL, pair.RefreshSecret
	}
	expiresAt := now.Add(ttl)

	claims := &Claims{
		Role: user.Role,
		Type: typ,
	}
	if user.TenantID != nil {
		claims.TenantID = user.TenantID.String()
	}
	if sessionID != uuid.Nil {
		claims.SessionID = sessionID.String()
	}
	claims.Subject = user.ID.String()
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token, err := signToken(secret, claims)
	if err != nil {
		return SignedToken{}, err
	}
	return SignedToken{Token: token, JTI: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks token against claimedUserID's current secrets and requires
// the subject to be claimedUserID.
func (v *SecretVault) Verify(ctx context.Context, token string, claimedUserID uuid.UUID) (*Claims, error) {
	const op = "Verify"

	unverified, err := peekClaims(token)
	if err != nil {
		return nil, &Error{Kind: KindSignatureInvalid, Op: op, Msg: "malformed token", Err: err}
	}

	pair, err := v.store.Secrets().Get(ctx, claimedUserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newError(KindSecretNotFound, op, "no signing secrets for user")
		}
		return nil, storeError(op, err)
	}

	var secret []byte
	switch unverified.Type {
	case TokenAccess:
		secret = pair.AccessSecret
	case TokenRefresh:
		secret = pair.RefreshSecret
	default:
		return nil, newError(KindSignatureInvalid, op, "unknown token type")
	}

	claims, err := parseToken(token, secret, v.clock.Now)
	if err != nil {
		return nil, &Error{Kind: KindSignatureInvalid, Op: op, Msg: "token rejected", Err: err}
	}
	if claims.Subject != claimedUserID.String() {
		return nil, newError(KindSignatureInvalid, op, "subject does not match claimed user")
	}
	return claims, nil
}

// VerifyByLookup reads the subject from the unverified token and verifies
// against that user's secrets.
func (v *SecretVault) VerifyByLookup(ctx context.Context, token string) (*Claims, error) {
	unverified, err := peekClaims(token)
	if err != nil {
		return nil, &Error{Kind: KindSignatureInvalid, Op: "VerifyByLookup", Msg: "malformed token", Err: err}
	}
	userID, err := unverified.UserID()
	if err != nil {
		return nil, &Error{Kind: KindSignatureInvalid, Op: "VerifyByLookup", Msg: "malformed subject", Err: err}
	}
	return v.Verify(ctx, token, userID)
}

// VerifyAccess is VerifyByLookup restricted to access tokens
func (v *SecretVault) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return v.verifyType(ctx, token, TokenAccess)
}

// VerifyRefresh is VerifyByLookup restricted to refresh tokens
func (v *SecretVault) VerifyRefresh(ctx context.Context, token string) (*Claims, error) {
	return v.verifyType(ctx, token, TokenRefresh)
}

func (v *SecretVault) verifyType(ctx context.Context, token string, typ TokenType) (*Claims, error) {
	claims, err := v.VerifyByLookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims.Type != typ {
		return nil, newError(KindSignatureInvalid, "Verify", fmt.Sprintf("expected %s token", typ))
	}
	return claims, nil
}
