package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/signalix/identity/internal/db"
	"github.com/signalix/identity/internal/model"
)

type secretRepo struct {
	db db.DBTX
}

// NewSecretRepo creates a new SecretRepo instance
func NewSecretRepo(conn db.DBTX) SecretRepo {
	return &secretRepo{db: conn}
}

// Get returns the user's signing secrets
func (r *secretRepo) Get(ctx context.Context, userID uuid.UUID) (model.SigningSecretPair, error) {
	var p model.SigningSecretPair
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, access_secret, refresh_secret, created_at, rotated_at
		FROM signing_secrets
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.AccessSecret, &p.RefreshSecret, &p.CreatedAt, &p.RotatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SigningSecretPair{}, ErrNotFound
		}
		return model.SigningSecretPair{}, fmt.Errorf("query signing secrets: %w", err)
	}
	return p, nil
}

// InsertIfAbsent stores the pair; an existing pair for the user wins
func (r *secretRepo) InsertIfAbsent(ctx context.Context, pair model.SigningSecretPair) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_secrets (user_id, access_secret, refresh_secret, created_at, rotated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING
	`, pair.UserID, pair.AccessSecret, pair.RefreshSecret, pair.CreatedAt, pair.RotatedAt)
	if err != nil {
		return fmt.Errorf("insert signing secrets: %w", err)
	}
	return nil
}

// Replace overwrites both secrets, keeping the original creation time
func (r *secretRepo) Replace(ctx context.Context, pair model.SigningSecretPair) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_secrets (user_id, access_secret, refresh_secret, created_at, rotated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET access_secret = EXCLUDED.access_secret,
		    refresh_secret = EXCLUDED.refresh_secret,
		    rotated_at = EXCLUDED.rotated_at
	`, pair.UserID, pair.AccessSecret, pair.RefreshSecret, pair.CreatedAt, pair.RotatedAt)
	if err != nil {
		return fmt.Errorf("replace signing secrets: %w", err)
	}
	return nil
}
