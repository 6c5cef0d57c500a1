package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/repo"
)

var errRotationRejected = errors.New("session rotation rejected")

// RefreshSession exchanges a refresh token for a new token pair. The
// presented token is single use; presenting a superseded token for a live
// session is treated as theft and revokes all of the user's sessions.
func (m *SessionManager) RefreshSession(ctx context.Context, refreshToken, clientIP string) (SessionTokens, error) {
	const op = "RefreshSession"
	invalid := func(msg string) error { return newError(KindInvalidRefreshToken, op, msg) }

	claims, err := m.vault.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		if KindOf(err) == KindTransactionFailure {
			return SessionTokens{}, err
		}
		return SessionTokens{}, &Error{Kind: KindInvalidRefreshToken, Op: op, Msg: "refresh token rejected", Err: err}
	}
	userID, err := claims.UserID()
	if err != nil {
		return SessionTokens{}, invalid("malformed subject")
	}
	sessionID, err := claims.Session()
	if err != nil {
		return SessionTokens{}, invalid("token is not bound to a session")
	}

	cached, err := m.cache.Get(ctx, sessionKey(userID, sessionID))
	switch {
	case err == nil && cached != claims.ID:
		m.detectReuse(ctx, userID, sessionID, claims.ID)
		return SessionTokens{}, invalid("refresh token superseded")
	case err != nil && !errors.Is(err, cache.ErrMiss):
		m.log.Warn("refresh cache unavailable, using store", zap.Error(err))
	}

	var tokens SessionTokens
	err = m.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		user, err := r.Users().GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return invalid("user not found")
			}
			return err
		}
		if !user.Active() {
			return invalid("user is disabled")
		}

		access, refresh, err := m.vault.signPair(ctx, r, user, sessionID)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		ok, err := r.Sessions().Rotate(ctx, repo.SessionRotation{
			ID:           sessionID,
			UserID:       userID,
			PresentedJTI: claims.ID,
			AccessJTI:    access.JTI,
			RefreshJTI:   refresh.JTI,
			ClientIP:     clientIP,
			ExpiresAt:    refresh.ExpiresAt,
			Now:          now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errRotationRejected
		}

		tokens = SessionTokens{
			SessionID:        sessionID,
			AccessToken:      access.Token,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshToken:     refresh.Token,
			RefreshExpiresAt: refresh.ExpiresAt,
			refreshJTI:       refresh.JTI,
		}
		return nil
	})
	if errors.Is(err, errRotationRejected) {
		m.detectReuse(ctx, userID, sessionID, claims.ID)
		return SessionTokens{}, invalid("session is revoked, expired or already refreshed")
	}
	if err != nil {
		return SessionTokens{}, storeError(op, err)
	}

	m.cacheRefresh(ctx, userID, tokens)
	m.metrics.SessionEvent("refreshed", 1)
	return tokens, nil
}

// detectReuse revokes every session of the user when the presented refresh
// identifier belongs to a session that has since moved on.
func (m *SessionManager) detectReuse(ctx context.Context, userID, sessionID uuid.UUID, presentedJTI string) {
	s, err := m.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return
	}
	if !s.Active || s.UserID != userID || s.RefreshJTI == presentedJTI || !m.clock.Now().Before(s.ExpiresAt) {
		return
	}
	m.log.Warn("refresh token reuse detected, revoking all sessions",
		zap.String("user_id", userID.String()),
		zap.String("session_id", sessionID.String()),
	)
	m.metrics.SessionEvent("reused", 1)
	if err := m.InvalidateSession(ctx, userID, nil); err != nil {
		m.log.Error("failed to revoke sessions after reuse", zap.Error(err), zap.String("user_id", userID.String()))
	}
}
