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

type signupRepo struct {
	db db.DBTX
}

// NewSignupRepo creates a new SignupRepo instance
func NewSignupRepo(conn db.DBTX) SignupRepo {
	return &signupRepo{db: conn}
}

// Create inserts a new signup state. A phone or email held by another
// unfinished signup yields ErrDuplicate.
func (r *signupRepo) Create(ctx context.Context, st *model.SignupState) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signup_states (id, step, phone_number, email, phone_challenge_id, email_challenge_id,
			phone_verified, email_verified, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, st.ID, string(st.Step), st.Phone, st.Email, st.PhoneChallengeID, st.EmailChallengeID,
		st.PhoneVerified, st.EmailVerified, st.ExpiresAt, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		if errors.Is(mapWriteErr(err), ErrDuplicate) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert signup state: %w", err)
	}
	return nil
}

// Get returns a signup state by ID
func (r *signupRepo) Get(ctx context.Context, id uuid.UUID) (model.SignupState, error) {
	var st model.SignupState
	var step string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, step, phone_number, email, phone_challenge_id, email_challenge_id,
		       phone_verified, email_verified, expires_at, created_at, updated_at
		FROM signup_states
		WHERE id = $1
	`, id).Scan(
		&st.ID,
		&step,
		&st.Phone,
		&st.Email,
		&st.PhoneChallengeID,
		&st.EmailChallengeID,
		&st.PhoneVerified,
		&st.EmailVerified,
		&st.ExpiresAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SignupState{}, ErrNotFound
		}
		return model.SignupState{}, fmt.Errorf("query signup state: %w", err)
	}
	st.Step = model.SignupStep(step)
	return st, nil
}

// Update writes the state only if the stored step still equals expected
func (r *signupRepo) Update(ctx context.Context, st model.SignupState, expected model.SignupStep) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE signup_states
		SET step = $3, phone_number = $4, email = $5, phone_challenge_id = $6, email_challenge_id = $7,
		    phone_verified = $8, email_verified = $9, expires_at = $10, updated_at = $11
		WHERE id = $1 AND step = $2
	`, st.ID, string(expected), string(st.Step), st.Phone, st.Email, st.PhoneChallengeID, st.EmailChallengeID,
		st.PhoneVerified, st.EmailVerified, st.ExpiresAt, st.UpdatedAt)
	if err != nil {
		if errors.Is(mapWriteErr(err), ErrDuplicate) {
			return false, ErrDuplicate
		}
		return false, fmt.Errorf("update signup state: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes a signup state; deleting a missing state is not an error
func (r *signupRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM signup_states WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete signup state: %w", err)
	}
	return nil
}

// DeleteStaleByPhone frees a phone number held by an expired or completed signup
func (r *signupRepo) DeleteStaleByPhone(ctx context.Context, phone string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM signup_states
		WHERE phone_number = $1 AND (expires_at <= $2 OR step = 'completed')
	`, phone, now)
	if err != nil {
		return fmt.Errorf("delete stale signup by phone: %w", err)
	}
	return nil
}

// DeleteStaleByEmail frees an email held by an expired or completed signup
func (r *signupRepo) DeleteStaleByEmail(ctx context.Context, email string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM signup_states
		WHERE email = $1 AND (expires_at <= $2 OR step = 'completed')
	`, email, now)
	if err != nil {
		return fmt.Errorf("delete stale signup by email: %w", err)
	}
	return nil
}

// DeleteStale removes expired and completed signup states
func (r *signupRepo) DeleteStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM signup_states WHERE expires_at <= $1 OR step = 'completed'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete stale signup states: %w", err)
	}
	return rowsAffected(res)
}
