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

const userColumns = `id, email, phone_number, password_hash, email_verified, phone_verified,
	role, tenant_id, status, last_login_at, created_at, updated_at`

type userRepo struct {
	db db.DBTX
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(conn db.DBTX) UserRepo {
	return &userRepo{db: conn}
}

// Create inserts a new user
func (r *userRepo) Create(ctx context.Context, user *model.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = model.RoleMember
	}
	if user.Status == "" {
		user.Status = model.UserStatusActive
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, phone_number, password_hash, email_verified, phone_verified,
			role, tenant_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, user.ID, user.Email, user.Phone, user.PasswordHash, user.EmailVerified, user.PhoneVerified,
		user.Role, user.TenantID, user.Status, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if errors.Is(mapWriteErr(err), ErrDuplicate) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByPhone retrieves a user by phone number
func (r *userRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone)
}

// GetByEmail retrieves a user by email address
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *userRepo) getOne(ctx context.Context, query string, arg any) (model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID,
		&u.Email,
		&u.Phone,
		&u.PasswordHash,
		&u.EmailVerified,
		&u.PhoneVerified,
		&u.Role,
		&u.TenantID,
		&u.Status,
		&u.LastLoginAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// MarkVerified sets the verification flags that are true; false leaves a flag as is.
func (r *userRepo) MarkVerified(ctx context.Context, id uuid.UUID, phone, email bool, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET phone_verified = phone_verified OR $2,
		    email_verified = email_verified OR $3,
		    updated_at = $4
		WHERE id = $1
	`, id, phone, email, now)
	if err != nil {
		return fmt.Errorf("mark user verified: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastLogin stamps the user's last successful authentication
func (r *userRepo) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePassword replaces the user's password hash
func (r *userRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, id, hash, now)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
