package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/middleware"
	"github.com/signalix/identity/internal/model"
)

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

var kindStatus = map[auth.Kind]int{
	auth.KindValidation:          http.StatusBadRequest,
	auth.KindRateLimited:         http.StatusTooManyRequests,
	auth.KindExpired:             http.StatusGone,
	auth.KindInvalidCode:         http.StatusUnauthorized,
	auth.KindInvalidRefreshToken: http.StatusUnauthorized,
	auth.KindSignatureInvalid:    http.StatusUnauthorized,
	auth.KindSecretNotFound:      http.StatusUnauthorized,
	auth.KindNotFound:            http.StatusNotFound,
	auth.KindDuplicateIdentifier: http.StatusConflict,
	auth.KindDispatchFailed:      http.StatusBadGateway,
	auth.KindTransactionFailure:  http.StatusServiceUnavailable,
	auth.KindInvalidStep:         http.StatusConflict,
	auth.KindPreconditionFailed:  http.StatusPreconditionFailed,
}

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	if s, ok := kindStatus[auth.KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, errorResponse{Error: message})
}

// respondWithAuthError renders a core error. Store failures are logged and
// hidden from the client.
func respondWithAuthError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := statusFor(err)

	var e *auth.Error
	if !errors.As(err, &e) || status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		if status == http.StatusBadGateway {
			respondJSON(w, status, errorResponse{Error: auth.KindDispatchFailed.String(), Message: "could not deliver code"})
			return
		}
		respondWithError(w, status, "temporarily unavailable")
		return
	}
	if e.Kind == auth.KindRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds()+0.5)))
	}
	respondJSON(w, status, errorResponse{Error: e.Kind.String(), Message: e.Msg})
}

// decode reads a JSON body into v, rejecting unknown fields
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

func clientMeta(r *http.Request) model.ClientMeta {
	return model.ClientMeta{IP: middleware.ClientIP(r), UserAgent: r.UserAgent()}
}

// validationBody renders a ValidationResult
type validationBody struct {
	Outcome           string `json:"outcome"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	CanRetry          bool   `json:"can_retry"`
}

func validationOf(res auth.ValidationResult) validationBody {
	return validationBody{Outcome: string(res.Outcome), AttemptsRemaining: res.AttemptsRemaining, CanRetry: res.CanRetry}
}

// validationStatus picks the status for a non-valid outcome
func validationStatus(res auth.ValidationResult) int {
	return statusFor(res.Err())
}

type tokensResponse struct {
	SessionID        string `json:"session_id"`
	AccessToken      string `json:"access_token"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
	TokenType        string `json:"token_type"`
}

func tokensOf(t auth.SessionTokens) tokensResponse {
	return tokensResponse{
		SessionID:        t.SessionID.String(),
		AccessToken:      t.AccessToken,
		AccessExpiresAt:  t.AccessExpiresAt.Unix(),
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt.Unix(),
		TokenType:        "bearer",
	}
}

// userResponse is the user object in API responses
type userResponse struct {
	ID            string  `json:"id"`
	PhoneNumber   *string `json:"phone_number,omitempty"`
	Email         *string `json:"email,omitempty"`
	PhoneVerified bool    `json:"phone_verified"`
	EmailVerified bool    `json:"email_verified"`
	Role          string  `json:"role"`
}

func userOf(u model.User) userResponse {
	return userResponse{
		ID:            u.ID.String(),
		PhoneNumber:   u.Phone,
		Email:         u.Email,
		PhoneVerified: u.PhoneVerified,
		EmailVerified: u.EmailVerified,
		Role:          u.Role,
	}
}
