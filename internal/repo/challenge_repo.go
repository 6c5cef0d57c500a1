package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/identity/internal/db"
	"github.com/signalix/identity/internal/model"
)

type challengeRepo struct {
	db db.DBTX
}

// NewChallengeRepo creates a new ChallengeRepo instance
func NewChallengeRepo(conn db.DBTX) ChallengeRepo {
	return &challengeRepo{db: conn}
}

// Create inserts a new verification challenge
func (r *challengeRepo) Create(ctx context.Context, rec *model.VerificationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_challenges (id, identifier, channel, purpose, user_id, code_hash, salt,
			expires_at, attempt_count, max_attempts, created_at, request_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.Identifier, string(rec.Channel), string(rec.Purpose), rec.UserID, rec.CodeHash, rec.Salt,
		rec.ExpiresAt, rec.AttemptCount, rec.MaxAttempts, rec.CreatedAt, rec.RequestIP, rec.UserAgent)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// Get returns a challenge by ID regardless of its state
func (r *challengeRepo) Get(ctx context.Context, id uuid.UUID) (model.VerificationRecord, error) {
	var rec model.VerificationRecord
	var channel, purpose string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, identifier, channel, purpose, user_id, code_hash, salt, expires_at,
		       attempt_count, max_attempts, completed_at, created_at, request_ip, user_agent
		FROM verification_challenges
		WHERE id = $1
	`, id).Scan(
		&rec.ID,
		&rec.Identifier,
		&channel,
		&purpose,
		&rec.UserID,
		&rec.CodeHash,
		&rec.Salt,
		&rec.ExpiresAt,
		&rec.AttemptCount,
		&rec.MaxAttempts,
		&rec.CompletedAt,
		&rec.CreatedAt,
		&rec.RequestIP,
		&rec.UserAgent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VerificationRecord{}, ErrNotFound
		}
		return model.VerificationRecord{}, fmt.Errorf("query challenge: %w", err)
	}
	rec.Channel = model.Channel(channel)
	rec.Purpose = model.Purpose(purpose)
	return rec, nil
}

// ExpireOutstanding serializes issuance per identifier and purpose with a
// transaction-scoped advisory lock, then pulls the expiry of every live
// challenge back to now.
func (r *challengeRepo) ExpireOutstanding(ctx context.Context, identifier string, purpose model.Purpose, now time.Time) (int64, error) {
	if _, err := r.db.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(2, hashtext($1))`, string(purpose)+":"+identifier); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_challenges
		SET expires_at = $3
		WHERE identifier = $1 AND purpose = $2
		  AND completed_at IS NULL AND expires_at > $3
	`, identifier, string(purpose), now)
	if err != nil {
		return 0, fmt.Errorf("expire outstanding challenges: %w", err)
	}
	return rowsAffected(res)
}

// RegisterAttempt bumps attempt_count and returns the new value. The row is
// only touched while it can still be validated, so concurrent attempts can
// never push the counter past max_attempts.
func (r *challengeRepo) RegisterAttempt(ctx context.Context, id uuid.UUID, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE verification_challenges
		SET attempt_count = attempt_count + 1
		WHERE id = $1
		  AND completed_at IS NULL
		  AND expires_at > $2
		  AND attempt_count < max_attempts
		RETURNING attempt_count
	`, id, now).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("register attempt: %w", err)
	}
	return n, nil
}

// MarkCompleted sets completed_at exactly once
func (r *challengeRepo) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_challenges SET completed_at = $2
		WHERE id = $1 AND completed_at IS NULL
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("mark challenge completed: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteStale removes challenges that can no longer be validated
func (r *challengeRepo) DeleteStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM verification_challenges
		WHERE completed_at IS NOT NULL OR expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete stale challenges: %w", err)
	}
	return rowsAffected(res)
}
