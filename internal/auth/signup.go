package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/clock"
	"github.com/signalix/identity/internal/logger"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

// SignupConfig holds registration flow parameters
type SignupConfig struct {
	StateTTL   time.Duration
	BcryptCost int
}

// SignupMachine drives registration through
// phone_verification -> email_verification -> password_creation -> completed.
type SignupMachine struct {
	store    repo.Store
	codes    *CodeEngine
	sessions *SessionManager
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	cfg      SignupConfig
}

// NewSignupMachine creates a new SignupMachine
func NewSignupMachine(d Deps, codes *CodeEngine, sessions *SessionManager, cfg SignupConfig) *SignupMachine {
	return &SignupMachine{
		store:    d.Store,
		codes:    codes,
		sessions: sessions,
		clock:    d.Clock,
		log:      d.Logger,
		metrics:  d.Metrics,
		cfg:      cfg,
	}
}

// SignupProgress reports where a registration stands
type SignupProgress struct {
	StateID       uuid.UUID
	Step          model.SignupStep
	PhoneVerified bool
	EmailVerified bool
	ExpiresAt     time.Time
	// Challenge is set when the call issued a code.
	Challenge *ChallengeTicket
	// Validation is set when the call checked a code. A non-valid result
	// leaves the state on its current step.
	Validation *ValidationResult
}

// CompletedSignup is the outcome of a finished registration
type CompletedSignup struct {
	User   model.User
	Tokens SessionTokens
}

func progressOf(st model.SignupState) SignupProgress {
	return SignupProgress{
		StateID:       st.ID,
		Step:          st.Step,
		PhoneVerified: st.PhoneVerified,
		EmailVerified: st.EmailVerified,
		ExpiresAt:     st.ExpiresAt,
	}
}

// load returns a live state positioned at want.
func (s *SignupMachine) load(ctx context.Context, op string, id uuid.UUID, want model.SignupStep) (model.SignupState, error) {
	st, err := s.store.Signups().Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.SignupState{}, newError(KindNotFound, op, "unknown signup")
		}
		return model.SignupState{}, storeError(op, err)
	}
	if st.Step != model.StepCompleted && st.ExpiredAt(s.clock.Now()) {
		return model.SignupState{}, newError(KindExpired, op, "signup expired, start again")
	}
	if want != "" && st.Step != want {
		return model.SignupState{}, newError(KindInvalidStep, op,
			fmt.Sprintf("signup is at %s, expected %s", st.Step, want))
	}
	return st, nil
}

// StartPhoneSignup opens a registration for phone and sends it a code
func (s *SignupMachine) StartPhoneSignup(ctx context.Context, phone string, client model.ClientMeta) (SignupProgress, error) {
	const op = "StartPhoneSignup"

	identifier, channel, err := normalizeIdentifier(phone)
	if err != nil || channel != model.ChannelSMS {
		return SignupProgress{}, newError(KindValidation, op, "invalid phone number")
	}
	if err := s.ensureUnowned(ctx, op, identifier, channel); err != nil {
		return SignupProgress{}, err
	}
	if err := s.codes.checkQuota(ctx, op, identifier, model.PurposeRegistration); err != nil {
		return SignupProgress{}, err
	}

	now := s.clock.Now()
	challengeID := uuid.New()
	st := model.SignupState{
		ID:               uuid.New(),
		Step:             model.StepPhoneVerification,
		Phone:            &identifier,
		PhoneChallengeID: &challengeID,
		ExpiresAt:        now.Add(s.cfg.StateTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var ticket ChallengeTicket
	err = s.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		if err := r.Signups().DeleteStaleByPhone(ctx, identifier, now); err != nil {
			return err
		}
		if err := r.Signups().Create(ctx, &st); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return newError(KindDuplicateIdentifier, op, "phone number is already being registered")
			}
			return err
		}
		var err error
		ticket, err = s.codes.issue(ctx, r, issueParams{
			id:         challengeID,
			identifier: identifier,
			channel:    channel,
			purpose:    model.PurposeRegistration,
			client:     client,
		})
		return err
	})
	if err != nil {
		return SignupProgress{}, storeError(op, err)
	}

	s.metrics.SignupTransition(string(model.StepPhoneVerification))
	s.log.Info("signup started", zap.String("signup_id", st.ID.String()), logger.Identifier(identifier))
	p := progressOf(st)
	p.Challenge = &ticket
	return p, nil
}

// ensureUnowned rejects identifiers that already belong to a user.
func (s *SignupMachine) ensureUnowned(ctx context.Context, op, identifier string, channel model.Channel) error {
	var err error
	if channel == model.ChannelSMS {
		_, err = s.store.Users().GetByPhone(ctx, identifier)
	} else {
		_, err = s.store.Users().GetByEmail(ctx, identifier)
	}
	switch {
	case err == nil:
		return newError(KindDuplicateIdentifier, op, "identifier is already registered")
	case errors.Is(err, repo.ErrNotFound):
		return nil
	default:
		return storeError(op, err)
	}
}

// VerifyPhone checks the phone code and advances to email verification
func (s *SignupMachine) VerifyPhone(ctx context.Context, stateID uuid.UUID, code string) (SignupProgress, error) {
	const op = "VerifyPhone"

	st, err := s.load(ctx, op, stateID, model.StepPhoneVerification)
	if err != nil {
		return SignupProgress{}, err
	}
	if st.PhoneChallengeID == nil {
		return SignupProgress{}, newError(KindPreconditionFailed, op, "no phone challenge recorded")
	}
	return s.verifyStep(ctx, op, st, *st.PhoneChallengeID, code, func(next *model.SignupState) {
		next.Step = model.StepEmailVerification
		next.PhoneVerified = true
	})
}

// StartEmailVerification records email on the signup and sends it a code
func (s *SignupMachine) StartEmailVerification(ctx context.Context, stateID uuid.UUID, email string, client model.ClientMeta) (SignupProgress, error) {
	const op = "StartEmailVerification"

	identifier, channel, err := normalizeIdentifier(email)
	if err != nil || channel != model.ChannelEmail {
		return SignupProgress{}, newError(KindValidation, op, "invalid email address")
	}
	st, err := s.load(ctx, op, stateID, model.StepEmailVerification)
	if err != nil {
		return SignupProgress{}, err
	}
	if err := s.ensureUnowned(ctx, op, identifier, channel); err != nil {
		return SignupProgress{}, err
	}
	if err := s.codes.checkQuota(ctx, op, identifier, model.PurposeRegistration); err != nil {
		return SignupProgress{}, err
	}

	now := s.clock.Now()
	challengeID := uuid.New()
	next := st
	next.Email = &identifier
	next.EmailChallengeID = &challengeID
	next.UpdatedAt = now

	var ticket ChallengeTicket
	err = s.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		if err := r.Signups().DeleteStaleByEmail(ctx, identifier, now); err != nil {
			return err
		}
		ok, err := r.Signups().Update(ctx, next, model.StepEmailVerification)
		if errors.Is(err, repo.ErrDuplicate) {
			return newError(KindDuplicateIdentifier, op, "email is already being registered")
		}
		if err != nil {
			return err
		}
		if !ok {
			return newError(KindInvalidStep, op, "signup moved on concurrently")
		}
		ticket, err = s.codes.issue(ctx, r, issueParams{
			id:         challengeID,
			identifier: identifier,
			channel:    channel,
			purpose:    model.PurposeRegistration,
			client:     client,
		})
		return err
	})
	if err != nil {
		return SignupProgress{}, storeError(op, err)
	}

	p := progressOf(next)
	p.Challenge = &ticket
	return p, nil
}

// VerifyEmail checks the email code and advances to password creation
func (s *SignupMachine) VerifyEmail(ctx context.Context, stateID uuid.UUID, email, code string) (SignupProgress, error) {
	const op = "VerifyEmail"

	st, err := s.load(ctx, op, stateID, model.StepEmailVerification)
	if err != nil {
		return SignupProgress{}, err
	}
	identifier, channel, err := normalizeIdentifier(email)
	if err != nil || channel != model.ChannelEmail {
		return SignupProgress{}, newError(KindValidation, op, "invalid email address")
	}
	if st.Email == nil || st.EmailChallengeID == nil {
		return SignupProgress{}, newError(KindPreconditionFailed, op, "email verification was not started")
	}
	if *st.Email != identifier {
		return SignupProgress{}, newError(KindPreconditionFailed, op, "email does not match the one the code was sent to")
	}
	if err := s.ensureUnowned(ctx, op, identifier, channel); err != nil {
		return SignupProgress{}, err
	}
	return s.verifyStep(ctx, op, st, *st.EmailChallengeID, code, func(next *model.SignupState) {
		next.Step = model.StepPasswordCreation
		next.EmailVerified = true
	})
}

// verifyStep validates a code and, on success, applies advance under a
// conditional update from the current step, all in one transaction.
func (s *SignupMachine) verifyStep(ctx context.Context, op string, st model.SignupState, challengeID uuid.UUID, code string, advance func(*model.SignupState)) (SignupProgress, error) {
	var (
		res      ValidationResult
		progress SignupProgress
	)
	err := s.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		var err error
		res, err = s.codes.validateTx(ctx, r, challengeID, model.PurposeRegistration, code)
		if err != nil {
			return err
		}
		if !res.Valid() {
			progress = progressOf(st)
			return nil
		}

		next := st
		advance(&next)
		next.UpdatedAt = s.clock.Now()
		ok, err := r.Signups().Update(ctx, next, st.Step)
		if err != nil {
			return err
		}
		if !ok {
			return newError(KindInvalidStep, op, "signup moved on concurrently")
		}
		progress = progressOf(next)
		return nil
	})
	if err != nil {
		return SignupProgress{}, storeError(op, err)
	}

	s.codes.afterValidation(ctx, res)
	if res.Valid() {
		s.metrics.SignupTransition(string(progress.Step))
	}
	progress.Validation = &res
	return progress, nil
}

// ResendCode issues a fresh code for the current step's identifier
func (s *SignupMachine) ResendCode(ctx context.Context, stateID uuid.UUID, client model.ClientMeta) (SignupProgress, error) {
	const op = "ResendCode"

	st, err := s.load(ctx, op, stateID, "")
	if err != nil {
		return SignupProgress{}, err
	}

	var (
		identifier string
		channel    model.Channel
		current    *uuid.UUID
	)
	switch {
	case st.Step == model.StepPhoneVerification && st.Phone != nil:
		identifier, channel, current = *st.Phone, model.ChannelSMS, st.PhoneChallengeID
	case st.Step == model.StepEmailVerification && st.Email != nil:
		identifier, channel, current = *st.Email, model.ChannelEmail, st.EmailChallengeID
	default:
		return SignupProgress{}, newError(KindInvalidStep, op, "no code to resend at this step")
	}

	if current != nil {
		rec, err := s.store.Challenges().Get(ctx, *current)
		if err == nil {
			if wait := s.codes.cfg.ResendCooldown - s.clock.Now().Sub(rec.CreatedAt); wait > 0 {
				return SignupProgress{}, &Error{Kind: KindRateLimited, Op: op, Msg: "resend cooldown active", RetryAfter: wait}
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return SignupProgress{}, storeError(op, err)
		}
	}
	if err := s.codes.checkQuota(ctx, op, identifier, model.PurposeRegistration); err != nil {
		return SignupProgress{}, err
	}

	challengeID := uuid.New()
	next := st
	next.UpdatedAt = s.clock.Now()
	if channel == model.ChannelSMS {
		next.PhoneChallengeID = &challengeID
	} else {
		next.EmailChallengeID = &challengeID
	}

	var ticket ChallengeTicket
	err = s.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		ok, err := r.Signups().Update(ctx, next, st.Step)
		if err != nil {
			return err
		}
		if !ok {
			return newError(KindInvalidStep, op, "signup moved on concurrently")
		}
		ticket, err = s.codes.issue(ctx, r, issueParams{
			id:         challengeID,
			identifier: identifier,
			channel:    channel,
			purpose:    model.PurposeRegistration,
			client:     client,
		})
		return err
	})
	if err != nil {
		return SignupProgress{}, storeError(op, err)
	}
	p := progressOf(next)
	p.Challenge = &ticket
	return p, nil
}

// CompleteSignup creates the user, marks both identifiers verified, closes
// the signup and opens the first session, all or nothing.
func (s *SignupMachine) CompleteSignup(ctx context.Context, stateID uuid.UUID, password string, client model.ClientMeta) (*CompletedSignup, error) {
	const op = "CompleteSignup"

	st, err := s.load(ctx, op, stateID, model.StepPasswordCreation)
	if err != nil {
		return nil, err
	}
	if !st.PhoneVerified || !st.EmailVerified || st.Phone == nil || st.Email == nil {
		return nil, newError(KindPreconditionFailed, op, "phone and email must both be verified")
	}
	if err := validatePassword(password); err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Msg: err.Error()}
	}
	hash, err := hashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return nil, &Error{Kind: KindTransactionFailure, Op: op, Msg: "could not hash password", Err: err}
	}

	var out CompletedSignup
	err = s.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		now := s.clock.Now()
		user := model.User{
			Phone:        st.Phone,
			Email:        st.Email,
			PasswordHash: &hash,
			Role:         model.RoleMember,
			Status:       model.UserStatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := r.Users().Create(ctx, &user); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return newError(KindDuplicateIdentifier, op, "phone or email was registered meanwhile")
			}
			return err
		}
		if err := r.Users().MarkVerified(ctx, user.ID, true, true, now); err != nil {
			return err
		}

		next := st
		next.Step = model.StepCompleted
		next.UpdatedAt = now
		ok, err := r.Signups().Update(ctx, next, model.StepPasswordCreation)
		if err != nil {
			return err
		}
		if !ok {
			return newError(KindInvalidStep, op, "signup moved on concurrently")
		}

		stored, err := r.Users().GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		tokens, err := s.sessions.createSessionTx(ctx, r, stored, client)
		if err != nil {
			return err
		}
		out = CompletedSignup{User: stored, Tokens: tokens}
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	s.sessions.sessionCreated(ctx, out.User.ID, out.Tokens)
	s.metrics.SignupTransition(string(model.StepCompleted))
	s.log.Info("signup completed", zap.String("signup_id", stateID.String()), zap.String("user_id", out.User.ID.String()))
	return &out, nil
}

// CancelSignup deletes the signup; cancelling twice is not an error
func (s *SignupMachine) CancelSignup(ctx context.Context, stateID uuid.UUID) error {
	if err := s.store.Signups().Delete(ctx, stateID); err != nil {
		return storeError("CancelSignup", err)
	}
	return nil
}

// GetProgress returns the current position of a signup
func (s *SignupMachine) GetProgress(ctx context.Context, stateID uuid.UUID) (SignupProgress, error) {
	st, err := s.load(ctx, "GetProgress", stateID, "")
	if err != nil {
		return SignupProgress{}, err
	}
	return progressOf(st), nil
}

// CleanupExpired deletes expired and completed signups
func (s *SignupMachine) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.Signups().DeleteStale(ctx, s.clock.Now())
	if err != nil {
		return 0, storeError("CleanupExpired", err)
	}
	s.metrics.CleanupDeleted("signups", n)
	return n, nil
}
