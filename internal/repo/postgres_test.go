package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/identity/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, mock
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUserRepo_CreateDuplicate(t *testing.T) {
	conn, mock := newMock(t)
	phone := "+15550000"

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_phone_number_key"})

	err := NewUserRepo(conn).Create(context.Background(), &model.User{Phone: &phone, CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_CreateDefaults(t *testing.T) {
	conn, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), nil, nil, nil, false, false, model.RoleMember, nil,
			model.UserStatusActive, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u := &model.User{CreatedAt: now, UpdatedAt: now}
	require.NoError(t, NewUserRepo(conn).Create(context.Background(), u))
	assert.NotEqual(t, uuid.Nil, u.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_GetByIDNotFound(t *testing.T) {
	conn, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM users WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := NewUserRepo(conn).GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepo_GetByEmail(t *testing.T) {
	conn, mock := newMock(t)
	id := uuid.New()
	email := "user@example.com"

	rows := sqlmock.NewRows([]string{"id", "email", "phone_number", "password_hash", "email_verified",
		"phone_verified", "role", "tenant_id", "status", "last_login_at", "created_at", "updated_at"}).
		AddRow(id.String(), email, nil, "hash", true, false, "member", nil, "active", nil, now, now)
	mock.ExpectQuery(`FROM users WHERE email = \$1`).WithArgs(email).WillReturnRows(rows)

	u, err := NewUserRepo(conn).GetByEmail(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	require.NotNil(t, u.Email)
	assert.Equal(t, email, *u.Email)
	assert.Nil(t, u.Phone)
	assert.True(t, u.EmailVerified)
	assert.Nil(t, u.TenantID)
}

func TestUserRepo_MarkVerifiedMissing(t *testing.T) {
	conn, mock := newMock(t)
	mock.ExpectExec(`UPDATE users`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewUserRepo(conn).MarkVerified(context.Background(), uuid.New(), true, true, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSecretRepo_InsertIfAbsentUsesOnConflict(t *testing.T) {
	conn, mock := newMock(t)
	pair := model.SigningSecretPair{UserID: uuid.New(), AccessSecret: []byte("a"), RefreshSecret: []byte("r"), CreatedAt: now, RotatedAt: now}

	mock.ExpectExec(`ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs(pair.UserID, pair.AccessSecret, pair.RefreshSecret, now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewSecretRepo(conn).InsertIfAbsent(context.Background(), pair))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSecretRepo_GetNotFound(t *testing.T) {
	conn, mock := newMock(t)
	mock.ExpectQuery(`FROM signing_secrets`).WillReturnError(sql.ErrNoRows)

	_, err := NewSecretRepo(conn).Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallengeRepo_RegisterAttempt(t *testing.T) {
	conn, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE verification_challenges\s+SET attempt_count = attempt_count \+ 1`).
		WithArgs(id, now).
		WillReturnRows(sqlmock.NewRows([]string{"attempt_count"}).AddRow(3))

	n, err := NewChallengeRepo(conn).RegisterAttempt(context.Background(), id, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestChallengeRepo_RegisterAttemptIneligible(t *testing.T) {
	conn, mock := newMock(t)
	mock.ExpectQuery(`UPDATE verification_challenges`).WillReturnError(sql.ErrNoRows)

	_, err := NewChallengeRepo(conn).RegisterAttempt(context.Background(), uuid.New(), now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallengeRepo_MarkCompletedOnce(t *testing.T) {
	conn, mock := newMock(t)
	id := uuid.New()

	mock.ExpectExec(`completed_at IS NULL`).WithArgs(id, now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`completed_at IS NULL`).WithArgs(id, now).WillReturnResult(sqlmock.NewResult(0, 0))

	r := NewChallengeRepo(conn)
	ok, err := r.MarkCompleted(context.Background(), id, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.MarkCompleted(context.Background(), id, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserRepo_UpdatePassword(t *testing.T) {
	conn, mock := newMock(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE users SET password_hash = \$2`).
		WithArgs(id, "$2a$04$hash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET password_hash = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := NewUserRepo(conn)
	require.NoError(t, r.UpdatePassword(context.Background(), id, "$2a$04$hash", now))
	assert.ErrorIs(t, r.UpdatePassword(context.Background(), uuid.New(), "$2a$04$hash", now), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRowsAffectedErrorsPropagate(t *testing.T) {
	conn, mock := newMock(t)
	driverErr := errors.New("driver: bad connection")
	id, userID := uuid.New(), uuid.New()

	mock.ExpectExec(`completed_at IS NULL`).WillReturnResult(sqlmock.NewErrorResult(driverErr))
	mock.ExpectExec(`UPDATE sessions SET active = FALSE`).WillReturnResult(sqlmock.NewErrorResult(driverErr))
	mock.ExpectExec(`UPDATE users`).WillReturnResult(sqlmock.NewErrorResult(driverErr))
	mock.ExpectExec(`UPDATE signup_states`).WillReturnResult(sqlmock.NewErrorResult(driverErr))

	ctx := context.Background()
	won, err := NewChallengeRepo(conn).MarkCompleted(ctx, id, now)
	assert.ErrorIs(t, err, driverErr)
	assert.False(t, won)

	_, err = NewSessionRepo(conn).DeactivateAll(ctx, userID, now)
	assert.ErrorIs(t, err, driverErr)

	err = NewUserRepo(conn).MarkVerified(ctx, userID, true, false, now)
	assert.ErrorIs(t, err, driverErr)
	assert.NotErrorIs(t, err, ErrNotFound)

	ok, err := NewSignupRepo(conn).Update(ctx, model.SignupState{ID: id, Step: model.StepEmailVerification}, model.StepPhoneVerification)
	assert.ErrorIs(t, err, driverErr)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_ExpireOutstandingLocksFirst(t *testing.T) {
	conn, mock := newMock(t)

	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("registration:+15550000").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE verification_challenges\s+SET expires_at = \$3`).
		WithArgs("+15550000", "registration", now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := NewChallengeRepo(conn).ExpireOutstanding(context.Background(), "+15550000", model.PurposeRegistration, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_Get(t *testing.T) {
	conn, mock := newMock(t)
	id := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "identifier", "channel", "purpose", "user_id", "code_hash", "salt",
		"expires_at", "attempt_count", "max_attempts", "completed_at", "created_at", "request_ip", "user_agent"}).
		AddRow(id.String(), "user@example.com", "email", "login", nil, []byte{1}, []byte{2},
			now.Add(time.Minute), 1, 5, nil, now, "10.0.0.1", nil)
	mock.ExpectQuery(`FROM verification_challenges`).WithArgs(id).WillReturnRows(rows)

	rec, err := NewChallengeRepo(conn).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, rec.Channel)
	assert.Equal(t, model.PurposeLogin, rec.Purpose)
	assert.Equal(t, 4, rec.AttemptsRemaining())
	assert.False(t, rec.Completed())
	require.NotNil(t, rec.RequestIP)
	assert.Equal(t, "10.0.0.1", *rec.RequestIP)
}

func TestSessionRepo_Rotate(t *testing.T) {
	conn, mock := newMock(t)
	rot := SessionRotation{
		ID: uuid.New(), UserID: uuid.New(), PresentedJTI: "old", AccessJTI: "a2", RefreshJTI: "r2",
		ClientIP: "10.0.0.1", ExpiresAt: now.Add(time.Hour), Now: now,
	}

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs(rot.ID, rot.UserID, "old", "a2", "r2", "10.0.0.1", rot.ExpiresAt, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewSessionRepo(conn).Rotate(context.Background(), rot)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionRepo_DeleteStaleReturnsRefs(t *testing.T) {
	conn, mock := newMock(t)
	a, b := uuid.New(), uuid.New()
	user := uuid.New()

	mock.ExpectQuery(`DELETE FROM sessions`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}).
			AddRow(a.String(), user.String()).
			AddRow(b.String(), user.String()))

	refs, err := NewSessionRepo(conn).DeleteStale(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []model.SessionRef{{ID: a, UserID: user}, {ID: b, UserID: user}}, refs)
}

func TestSessionRepo_GetMissing(t *testing.T) {
	conn, mock := newMock(t)
	mock.ExpectQuery(`FROM sessions WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := NewSessionRepo(conn).Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignupRepo_UpdateChecksStep(t *testing.T) {
	conn, mock := newMock(t)
	st := model.SignupState{ID: uuid.New(), Step: model.StepEmailVerification, PhoneVerified: true, ExpiresAt: now, UpdatedAt: now}

	mock.ExpectExec(`UPDATE signup_states`).
		WithArgs(st.ID, "phone_verification", "email_verification", nil, nil, nil, nil, true, false, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := NewSignupRepo(conn).Update(context.Background(), st, model.StepPhoneVerification)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignupRepo_CreateDuplicate(t *testing.T) {
	conn, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO signup_states`).WillReturnError(&pq.Error{Code: "23505"})

	err := NewSignupRepo(conn).Create(context.Background(), &model.SignupState{Step: model.StepPhoneVerification})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresStore_InTxRollsBack(t *testing.T) {
	conn, mock := newMock(t)
	store := NewPostgresStore(conn)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO signing_secrets`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(ctx context.Context, r Repositories) error {
		if err := r.Users().UpdateLastLogin(ctx, uuid.New(), now); err != nil {
			return err
		}
		return r.Secrets().Replace(ctx, model.SigningSecretPair{UserID: uuid.New()})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapWriteErr(t *testing.T) {
	assert.ErrorIs(t, mapWriteErr(&pq.Error{Code: "23505"}), ErrDuplicate)
	other := &pq.Error{Code: "23503"}
	assert.Equal(t, error(other), mapWriteErr(other))
}
