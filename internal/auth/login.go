package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

// LoginResult is returned by Login. Tokens is nil unless the code was valid.
type LoginResult struct {
	Validation ValidationResult
	User       *model.User
	Tokens     *SessionTokens
}

// Login validates a login challenge and opens a session for the user who
// owns the verified identifier.
func (s *Service) Login(ctx context.Context, challengeID uuid.UUID, code string, client model.ClientMeta) (*LoginResult, error) {
	const op = "Login"

	res, err := s.Codes.ValidateFor(ctx, challengeID, model.PurposeLogin, code)
	if err != nil {
		return nil, err
	}
	out := &LoginResult{Validation: res}
	if !res.Valid() {
		return out, nil
	}

	user, err := userForChallenge(ctx, s.Codes.store, res)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, newError(KindNotFound, op, "no account for this identifier")
	}
	if err != nil {
		return nil, storeError(op, err)
	}

	tokens, err := s.Sessions.CreateSession(ctx, user, client)
	if err != nil {
		return nil, err
	}
	out.User = &user
	out.Tokens = &tokens
	return out, nil
}

// userForChallenge finds the account a validated challenge proves ownership of
func userForChallenge(ctx context.Context, users repo.Repositories, res ValidationResult) (model.User, error) {
	if res.UserID != nil {
		return users.Users().GetByID(ctx, *res.UserID)
	}
	if _, channel, _ := normalizeIdentifier(res.Identifier); channel == model.ChannelEmail {
		return users.Users().GetByEmail(ctx, res.Identifier)
	}
	return users.Users().GetByPhone(ctx, res.Identifier)
}
