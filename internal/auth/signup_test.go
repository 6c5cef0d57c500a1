package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/signalix/identity/internal/model"
)

const (
	testPhone    = "+15550000"
	testEmail    = "user@example.com"
	testPassword = "Secr3tPassword"
)

// signupToPassword walks a signup through both verifications.
func signupToPassword(t *testing.T, h *harness) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	m := h.svc.Signup

	p, err := m.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)
	require.Equal(t, model.StepPhoneVerification, p.Step)
	require.NotNil(t, p.Challenge)

	p, err = m.VerifyPhone(ctx, p.StateID, h.gateway.LastCode(testPhone))
	require.NoError(t, err)
	require.True(t, p.Validation.Valid())
	require.Equal(t, model.StepEmailVerification, p.Step)

	p, err = m.StartEmailVerification(ctx, p.StateID, testEmail, client)
	require.NoError(t, err)
	require.Equal(t, model.ChannelEmail, p.Challenge.Channel)

	p, err = m.VerifyEmail(ctx, p.StateID, testEmail, h.gateway.LastCode(testEmail))
	require.NoError(t, err)
	require.True(t, p.Validation.Valid())
	require.Equal(t, model.StepPasswordCreation, p.Step)
	require.True(t, p.PhoneVerified)
	require.True(t, p.EmailVerified)
	return p.StateID
}

func TestSignup_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stateID := signupToPassword(t, h)

	done, err := h.svc.Signup.CompleteSignup(ctx, stateID, testPassword, client)
	require.NoError(t, err)

	assert.Equal(t, testPhone, *done.User.Phone)
	assert.Equal(t, testEmail, *done.User.Email)
	assert.True(t, done.User.PhoneVerified)
	assert.True(t, done.User.EmailVerified)
	require.NotNil(t, done.User.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(*done.User.PasswordHash), []byte(testPassword)))

	p, err := h.svc.Sessions.Authenticate(ctx, done.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, done.User.ID, p.UserID)

	progress, err := h.svc.Signup.GetProgress(ctx, stateID)
	require.NoError(t, err)
	assert.Equal(t, model.StepCompleted, progress.Step)

	_, err = h.svc.Signup.CompleteSignup(ctx, stateID, testPassword, client)
	assert.ErrorIs(t, err, ErrInvalidStep)

	// The phone now belongs to a user.
	_, err = h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)
}

func TestSignup_WrongCodeStaysOnStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)

	wrong := "000000"
	if h.gateway.LastCode(testPhone) == wrong {
		wrong = "111111"
	}
	p, err = h.svc.Signup.VerifyPhone(ctx, p.StateID, wrong)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatched, p.Validation.Outcome)
	assert.Equal(t, 4, p.Validation.AttemptsRemaining)
	assert.Equal(t, model.StepPhoneVerification, p.Step)
	assert.False(t, p.PhoneVerified)

	// The failed attempt was committed.
	state, err := h.store.Signups().Get(ctx, p.StateID)
	require.NoError(t, err)
	rec, err := h.store.Challenges().Get(ctx, *state.PhoneChallengeID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestSignup_WrongStepRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)

	_, err = h.svc.Signup.StartEmailVerification(ctx, p.StateID, testEmail, client)
	assert.ErrorIs(t, err, ErrInvalidStep)
	_, err = h.svc.Signup.VerifyEmail(ctx, p.StateID, testEmail, "123456")
	assert.ErrorIs(t, err, ErrInvalidStep)
	_, err = h.svc.Signup.CompleteSignup(ctx, p.StateID, testPassword, client)
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = h.svc.Signup.VerifyPhone(ctx, uuid.New(), "123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignup_CompleteRequiresBothVerifications(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone, email := testPhone, testEmail
	st := model.SignupState{
		ID:            uuid.New(),
		Step:          model.StepPasswordCreation,
		Phone:         &phone,
		Email:         &email,
		PhoneVerified: true,
		ExpiresAt:     testStart.Add(time.Hour),
	}
	require.NoError(t, h.store.Signups().Create(ctx, &st))

	_, err := h.svc.Signup.CompleteSignup(ctx, st.ID, testPassword, client)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	_, err = h.store.Users().GetByPhone(ctx, testPhone)
	assert.Error(t, err)
}

func TestSignup_WeakPasswordRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stateID := signupToPassword(t, h)

	_, err := h.svc.Signup.CompleteSignup(ctx, stateID, "short", client)
	assert.ErrorIs(t, err, ErrValidation)

	p, err := h.svc.Signup.GetProgress(ctx, stateID)
	require.NoError(t, err)
	assert.Equal(t, model.StepPasswordCreation, p.Step)
}

func TestSignup_EmailMustMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)
	p, err = h.svc.Signup.VerifyPhone(ctx, p.StateID, h.gateway.LastCode(testPhone))
	require.NoError(t, err)
	_, err = h.svc.Signup.StartEmailVerification(ctx, p.StateID, testEmail, client)
	require.NoError(t, err)

	_, err = h.svc.Signup.VerifyEmail(ctx, p.StateID, "other@example.com", h.gateway.LastCode(testEmail))
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestSignup_Expiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)

	// An unfinished signup holds the phone number.
	_, err = h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)

	h.clock.Advance(time.Hour)
	_, err = h.svc.Signup.VerifyPhone(ctx, p.StateID, h.gateway.LastCode(testPhone))
	assert.ErrorIs(t, err, ErrExpired)

	// The expired hold is released for a fresh attempt.
	fresh, err := h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)
	assert.NotEqual(t, p.StateID, fresh.StateID)

	h.clock.Advance(time.Hour)
	n, err := h.svc.Signup.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSignup_ResendAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)
	firstCode := h.gateway.LastCode(testPhone)

	_, err = h.svc.Signup.ResendCode(ctx, p.StateID, client)
	assert.ErrorIs(t, err, ErrRateLimited)

	h.clock.Advance(30 * time.Second)
	resent, err := h.svc.Signup.ResendCode(ctx, p.StateID, client)
	require.NoError(t, err)
	assert.NotEqual(t, p.Challenge.ChallengeID, resent.Challenge.ChallengeID)

	newCode := h.gateway.LastCode(testPhone)
	if newCode != firstCode {
		v, err := h.svc.Signup.VerifyPhone(ctx, p.StateID, firstCode)
		require.NoError(t, err)
		assert.False(t, v.Validation.Valid())
	}
	v, err := h.svc.Signup.VerifyPhone(ctx, p.StateID, newCode)
	require.NoError(t, err)
	assert.True(t, v.Validation.Valid())

	require.NoError(t, h.svc.Signup.CancelSignup(ctx, p.StateID))
	require.NoError(t, h.svc.Signup.CancelSignup(ctx, p.StateID))
	_, err = h.svc.Signup.GetProgress(ctx, p.StateID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignup_ExhaustedPhoneCodeRecoversByResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.svc.Signup.StartPhoneSignup(ctx, testPhone, client)
	require.NoError(t, err)

	exhaust(t, func(code string) ValidationResult {
		v, err := h.svc.Signup.VerifyPhone(ctx, p.StateID, code)
		require.NoError(t, err)
		require.Equal(t, model.StepPhoneVerification, v.Step)
		return *v.Validation
	}, h.gateway.LastCode(testPhone))

	_, err = h.svc.Signup.ResendCode(ctx, p.StateID, client)
	require.ErrorIs(t, err, ErrRateLimited)
	h.clock.Advance(30 * time.Second)

	resent, err := h.svc.Signup.ResendCode(ctx, p.StateID, client)
	require.NoError(t, err)
	require.NotNil(t, resent.Challenge)
	assert.Equal(t, 5, resent.Challenge.AttemptsRemaining)

	v, err := h.svc.Signup.VerifyPhone(ctx, p.StateID, h.gateway.LastCode(testPhone))
	require.NoError(t, err)
	assert.True(t, v.Validation.Valid())
	assert.Equal(t, model.StepEmailVerification, v.Step)
	assert.True(t, v.PhoneVerified)
}

func TestSignup_HashFailureIsTyped(t *testing.T) {
	h := newHarness(t)
	h.svc.Signup.cfg.BcryptCost = bcrypt.MaxCost + 1
	stateID := signupToPassword(t, h)

	_, err := h.svc.Signup.CompleteSignup(context.Background(), stateID, testPassword, client)
	require.ErrorIs(t, err, ErrTransactionFailure)
	assert.Equal(t, KindTransactionFailure, KindOf(err))

	progress, err := h.svc.Signup.GetProgress(context.Background(), stateID)
	require.NoError(t, err)
	assert.Equal(t, model.StepPasswordCreation, progress.Step)
}
