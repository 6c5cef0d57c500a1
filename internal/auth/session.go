package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/clock"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

// SessionManager creates, refreshes and revokes sessions
type SessionManager struct {
	store   repo.Store
	cache   cache.Store
	vault   *SecretVault
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewSessionManager creates a new SessionManager
func NewSessionManager(d Deps, vault *SecretVault) *SessionManager {
	return &SessionManager{
		store:   d.Store,
		cache:   d.Cache,
		vault:   vault,
		clock:   d.Clock,
		log:     d.Logger,
		metrics: d.Metrics,
	}
}

// SessionTokens is the token pair handed to a client
type SessionTokens struct {
	SessionID        uuid.UUID
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time

	refreshJTI string
}

// Principal is an authenticated caller
type Principal struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Role      string
	TenantID  string
}

func sessionKey(userID, sessionID uuid.UUID) string {
	return "session:" + userID.String() + ":" + sessionID.String()
}

func userSessionsPattern(userID uuid.UUID) string {
	return "session:" + userID.String() + ":*"
}

// CreateSession persists a session and issues its tokens in one transaction
func (m *SessionManager) CreateSession(ctx context.Context, user model.User, client model.ClientMeta) (SessionTokens, error) {
	if !user.Active() {
		return SessionTokens{}, newError(KindPreconditionFailed, "CreateSession", "user is disabled")
	}
	var tokens SessionTokens
	err := m.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		var err error
		tokens, err = m.createSessionTx(ctx, r, user, client)
		return err
	})
	if err != nil {
		return SessionTokens{}, storeError("CreateSession", err)
	}
	m.sessionCreated(ctx, user.ID, tokens)
	return tokens, nil
}

func (m *SessionManager) createSessionTx(ctx context.Context, r repo.Repositories, user model.User, client model.ClientMeta) (SessionTokens, error) {
	now := m.clock.Now()
	sessionID := uuid.New()

	access, refresh, err := m.vault.signPair(ctx, r, user, sessionID)
	if err != nil {
		return SessionTokens{}, err
	}

	s := &model.Session{
		ID:           sessionID,
		UserID:       user.ID,
		AccessJTI:    access.JTI,
		RefreshJTI:   refresh.JTI,
		ClientIP:     client.IP,
		UserAgent:    client.UserAgent,
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    refresh.ExpiresAt,
	}
	if err := r.Sessions().Create(ctx, s); err != nil {
		return SessionTokens{}, err
	}
	if err := r.Users().UpdateLastLogin(ctx, user.ID, now); err != nil {
		return SessionTokens{}, err
	}

	return SessionTokens{
		SessionID:        sessionID,
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
		refreshJTI:       refresh.JTI,
	}, nil
}

// sessionCreated runs after the creating transaction committed.
func (m *SessionManager) sessionCreated(ctx context.Context, userID uuid.UUID, tokens SessionTokens) {
	m.cacheRefresh(ctx, userID, tokens)
	m.metrics.SessionEvent("created", 1)
	m.log.Info("session created",
		zap.String("user_id", userID.String()),
		zap.String("session_id", tokens.SessionID.String()),
	)
}

// cacheRefresh records the current refresh identifier. The database row stays
// authoritative, so a failed write only costs the fast path.
func (m *SessionManager) cacheRefresh(ctx context.Context, userID uuid.UUID, tokens SessionTokens) {
	ttl := tokens.RefreshExpiresAt.Sub(m.clock.Now())
	if ttl <= 0 {
		return
	}
	if err := m.cache.Set(ctx, sessionKey(userID, tokens.SessionID), tokens.refreshJTI, ttl); err != nil {
		m.log.Warn("failed to cache refresh token", zap.Error(err), zap.String("session_id", tokens.SessionID.String()))
	}
}

// Authenticate verifies an access token and requires its session to be live
func (m *SessionManager) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	const op = "Authenticate"

	claims, err := m.vault.VerifyAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, newError(KindSignatureInvalid, op, "malformed subject")
	}
	sessionID, err := claims.Session()
	if err != nil {
		return nil, newError(KindSignatureInvalid, op, "token is not bound to a session")
	}

	s, err := m.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newError(KindSignatureInvalid, op, "session not found")
		}
		return nil, storeError(op, err)
	}
	if !s.Active || s.UserID != userID || s.AccessJTI != claims.ID || !m.clock.Now().Before(s.ExpiresAt) {
		return nil, newError(KindSignatureInvalid, op, "session is no longer active")
	}
	return &Principal{UserID: userID, SessionID: sessionID, Role: claims.Role, TenantID: claims.TenantID}, nil
}

// InvalidateSession revokes one session, or all of the user's sessions when
// sessionID is nil. Revoking an already revoked session is not an error.
func (m *SessionManager) InvalidateSession(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID) error {
	const op = "InvalidateSession"
	now := m.clock.Now()

	if sessionID != nil {
		n, err := m.store.Sessions().Deactivate(ctx, userID, *sessionID, now)
		if err != nil {
			return storeError(op, err)
		}
		if err := m.cache.Delete(ctx, sessionKey(userID, *sessionID)); err != nil {
			m.log.Warn("failed to drop cached refresh token", zap.Error(err), zap.String("session_id", sessionID.String()))
		}
		m.metrics.SessionEvent("revoked", int(n))
		return nil
	}

	n, err := m.store.Sessions().DeactivateAll(ctx, userID, now)
	if err != nil {
		return storeError(op, err)
	}
	if _, err := m.cache.DeletePattern(ctx, userSessionsPattern(userID)); err != nil {
		m.log.Warn("failed to drop cached refresh tokens", zap.Error(err), zap.String("user_id", userID.String()))
	}
	m.metrics.SessionEvent("revoked", int(n))
	m.log.Info("sessions revoked", zap.String("user_id", userID.String()), zap.Int64("count", n))
	return nil
}

// RevokeAll logs the user out everywhere and rotates their signing secrets,
// so tokens already handed out stop verifying as well.
func (m *SessionManager) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := m.InvalidateSession(ctx, userID, nil); err != nil {
		return err
	}
	if _, err := m.vault.Rotate(ctx, userID); err != nil {
		return err
	}
	return nil
}

// ListSessions returns the user's active sessions, newest first
func (m *SessionManager) ListSessions(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	list, err := m.store.Sessions().ListActive(ctx, userID, m.clock.Now())
	if err != nil {
		return nil, storeError("ListSessions", err)
	}
	return list, nil
}

// CleanupExpired deletes expired or revoked sessions and their cache entries
func (m *SessionManager) CleanupExpired(ctx context.Context) (int64, error) {
	refs, err := m.store.Sessions().DeleteStale(ctx, m.clock.Now())
	if err != nil {
		return 0, storeError("CleanupExpired", err)
	}
	if len(refs) > 0 {
		keys := make([]string, 0, len(refs))
		for _, ref := range refs {
			keys = append(keys, sessionKey(ref.UserID, ref.ID))
		}
		if err := m.cache.Delete(ctx, keys...); err != nil {
			m.log.Warn("failed to drop cached refresh tokens", zap.Error(err), zap.Int("count", len(keys)))
		}
	}
	m.metrics.CleanupDeleted("sessions", int64(len(refs)))
	return int64(len(refs)), nil
}
