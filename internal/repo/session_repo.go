package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/identity/internal/db"
	"github.com/signalix/identity/internal/model"
)

const sessionColumns = `id, user_id, access_jti, refresh_jti, client_ip, user_agent,
	created_at, last_access_at, expires_at, active, revoked_at`

type sessionRepo struct {
	db db.DBTX
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(conn db.DBTX) SessionRepo {
	return &sessionRepo{db: conn}
}

// Create inserts a new active session
func (r *sessionRepo) Create(ctx context.Context, s *model.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Active = true
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, access_jti, refresh_jti, client_ip, user_agent,
			created_at, last_access_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
	`, s.ID, s.UserID, s.AccessJTI, s.RefreshJTI, s.ClientIP, s.UserAgent,
		s.CreatedAt, s.LastAccessAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns the session regardless of its state (used for reuse detection)
func (r *sessionRepo) Get(ctx context.Context, id uuid.UUID) (model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}
	defer rows.Close()
	list, err := scanSessions(rows)
	if err != nil {
		return model.Session{}, err
	}
	if len(list) == 0 {
		return model.Session{}, ErrNotFound
	}
	return list[0], nil
}

// Rotate swaps the token identifiers of a live session whose refresh
// identifier still equals the presented one
func (r *sessionRepo) Rotate(ctx context.Context, rot SessionRotation) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET access_jti = $4, refresh_jti = $5, client_ip = $6, expires_at = $7, last_access_at = $8
		WHERE id = $1 AND user_id = $2 AND refresh_jti = $3
		  AND active AND expires_at > $8
	`, rot.ID, rot.UserID, rot.PresentedJTI, rot.AccessJTI, rot.RefreshJTI, rot.ClientIP, rot.ExpiresAt, rot.Now)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Deactivate revokes one of the user's sessions
func (r *sessionRepo) Deactivate(ctx context.Context, userID, id uuid.UUID, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE, revoked_at = $3
		WHERE id = $1 AND user_id = $2 AND active
	`, id, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke session: %w", err)
	}
	return rowsAffected(res)
}

// DeactivateAll revokes all active sessions for a user
func (r *sessionRepo) DeactivateAll(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE, revoked_at = $2
		WHERE user_id = $1 AND active
	`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions for user: %w", err)
	}
	return rowsAffected(res)
}

// ListActive returns the user's active, unexpired sessions, newest first
func (r *sessionRepo) ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1 AND active AND expires_at > $2
		ORDER BY created_at DESC
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// DeleteStale removes expired or inactive sessions and reports which ones went
func (r *sessionRepo) DeleteStale(ctx context.Context, now time.Time) ([]model.SessionRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM sessions
		WHERE NOT active OR expires_at <= $1
		RETURNING id, user_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("delete stale sessions: %w", err)
	}
	defer rows.Close()

	var refs []model.SessionRef
	for rows.Next() {
		var ref model.SessionRef
		if err := rows.Scan(&ref.ID, &ref.UserID); err != nil {
			return nil, fmt.Errorf("scan session ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete stale sessions: %w", err)
	}
	return refs, nil
}

func scanSessions(rows *sql.Rows) ([]model.Session, error) {
	var out []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.AccessJTI,
			&s.RefreshJTI,
			&s.ClientIP,
			&s.UserAgent,
			&s.CreatedAt,
			&s.LastAccessAt,
			&s.ExpiresAt,
			&s.Active,
			&s.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
