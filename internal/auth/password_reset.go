package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

// PasswordResetResult is returned by ResetPassword. User is nil unless the
// code was valid.
type PasswordResetResult struct {
	Validation ValidationResult
	User       *model.User
}

// ResetPassword spends a password_reset code and replaces the account's
// password in the same transaction. Every session of the account is then
// revoked and its signing secrets rotated.
func (s *Service) ResetPassword(ctx context.Context, challengeID uuid.UUID, code, password string) (*PasswordResetResult, error) {
	const op = "ResetPassword"

	if err := validatePassword(password); err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Msg: err.Error()}
	}
	hash, err := hashPassword(password, s.Signup.cfg.BcryptCost)
	if err != nil {
		return nil, &Error{Kind: KindTransactionFailure, Op: op, Msg: "could not hash password", Err: err}
	}

	codes := s.Codes
	out := &PasswordResetResult{}
	err = codes.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		res, err := codes.validateTx(ctx, r, challengeID, model.PurposePasswordReset, code)
		if err != nil {
			return err
		}
		out.Validation = res
		if !res.Valid() {
			return nil
		}

		user, err := userForChallenge(ctx, r, res)
		if errors.Is(err, repo.ErrNotFound) {
			return newError(KindNotFound, op, "no account for this identifier")
		}
		if err != nil {
			return err
		}
		now := codes.clock.Now()
		if err := r.Users().UpdatePassword(ctx, user.ID, hash, now); err != nil {
			return err
		}
		user.PasswordHash = &hash
		user.UpdatedAt = now
		out.User = &user
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	codes.afterValidation(ctx, out.Validation)
	if out.User == nil {
		return out, nil
	}

	if err := s.Sessions.RevokeAll(ctx, out.User.ID); err != nil {
		return nil, err
	}
	codes.log.Info("password reset", zap.String("user_id", out.User.ID.String()))
	return out, nil
}
