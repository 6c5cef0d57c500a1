package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/signalix/identity/internal/db"
	"github.com/signalix/identity/internal/model"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate")
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	MarkVerified(ctx context.Context, id uuid.UUID, phone, email bool, now time.Time) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string, now time.Time) error
}

// SecretRepo defines the interface for signing secret storage
type SecretRepo interface {
	Get(ctx context.Context, userID uuid.UUID) (model.SigningSecretPair, error)
	// InsertIfAbsent stores pair unless the user already owns one.
	InsertIfAbsent(ctx context.Context, pair model.SigningSecretPair) error
	// Replace overwrites (or creates) the user's pair.
	Replace(ctx context.Context, pair model.SigningSecretPair) error
}

// ChallengeRepo defines the interface for verification challenge storage
type ChallengeRepo interface {
	Create(ctx context.Context, rec *model.VerificationRecord) error
	Get(ctx context.Context, id uuid.UUID) (model.VerificationRecord, error)
	// ExpireOutstanding moves every unexpired, uncompleted challenge for the
	// identifier and purpose to expired.
	ExpireOutstanding(ctx context.Context, identifier string, purpose model.Purpose, now time.Time) (int64, error)
	// RegisterAttempt increments the attempt counter only while the challenge is
	// uncompleted, unexpired and below its cap. Returns ErrNotFound otherwise.
	RegisterAttempt(ctx context.Context, id uuid.UUID, now time.Time) (int, error)
	// MarkCompleted sets completed_at if it is still unset; reports whether it did.
	MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	DeleteStale(ctx context.Context, now time.Time) (int64, error)
}

// SessionRotation describes a conditional refresh of a session row.
type SessionRotation struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PresentedJTI string
	AccessJTI    string
	RefreshJTI   string
	ClientIP     string
	ExpiresAt    time.Time
	Now          time.Time
}

// SessionRepo defines the interface for session repository operations
type SessionRepo interface {
	Create(ctx context.Context, session *model.Session) error
	Get(ctx context.Context, id uuid.UUID) (model.Session, error)
	// Rotate replaces the token identifiers only when the session is active,
	// unexpired and still holds the presented refresh identifier.
	Rotate(ctx context.Context, rotation SessionRotation) (bool, error)
	Deactivate(ctx context.Context, userID, id uuid.UUID, now time.Time) (int64, error)
	DeactivateAll(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]model.Session, error)
	DeleteStale(ctx context.Context, now time.Time) ([]model.SessionRef, error)
}

// SignupRepo defines the interface for signup state storage
type SignupRepo interface {
	Create(ctx context.Context, state *model.SignupState) error
	Get(ctx context.Context, id uuid.UUID) (model.SignupState, error)
	// Update writes state only if the stored step equals expected.
	Update(ctx context.Context, state model.SignupState, expected model.SignupStep) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteStaleByPhone(ctx context.Context, phone string, now time.Time) error
	DeleteStaleByEmail(ctx context.Context, email string, now time.Time) error
	DeleteStale(ctx context.Context, now time.Time) (int64, error)
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories interface {
	Users() UserRepo
	Secrets() SecretRepo
	Challenges() ChallengeRepo
	Sessions() SessionRepo
	Signups() SignupRepo
}

// Store is the relational store: repositories plus transactions.
type Store interface {
	Repositories
	// InTx runs fn in a transaction, rolling back when fn returns an error or panics.
	InTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
}

type repositories struct {
	conn db.DBTX
}

func (r repositories) Users() UserRepo           { return NewUserRepo(r.conn) }
func (r repositories) Secrets() SecretRepo       { return NewSecretRepo(r.conn) }
func (r repositories) Challenges() ChallengeRepo { return NewChallengeRepo(r.conn) }
func (r repositories) Sessions() SessionRepo     { return NewSessionRepo(r.conn) }
func (r repositories) Signups() SignupRepo       { return NewSignupRepo(r.conn) }

// PostgresStore implements Store on database/sql with the lib/pq driver
type PostgresStore struct {
	repositories
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Store over an open PostgreSQL handle
func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{repositories: repositories{conn: conn}, db: conn}
}

// InTx runs fn inside a database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	return db.WithTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, repositories{conn: tx})
	})
}

const uniqueViolation = "23505"

// mapWriteErr converts unique violations into ErrDuplicate.
func mapWriteErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

// rowsAffected reports the affected row count
func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
