package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/signalix/identity/internal/auth"
)

// SignupHandler handles the registration flow endpoints
type SignupHandler struct {
	signup *auth.SignupMachine
	log    *zap.Logger
}

// NewSignupHandler creates a new signup handler
func NewSignupHandler(signup *auth.SignupMachine, log *zap.Logger) *SignupHandler {
	return &SignupHandler{signup: signup, log: log}
}

type signupPhoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type signupEmailRequest struct {
	Email string `json:"email"`
}

type signupCodeRequest struct {
	Email string `json:"email,omitempty"`
	Code  string `json:"code"`
}

type signupCompleteRequest struct {
	Password string `json:"password"`
}

type challengeBody struct {
	ChallengeID       string `json:"challenge_id"`
	Channel           string `json:"channel"`
	ExpiresAt         int64  `json:"expires_at"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

func challengeOf(t auth.ChallengeTicket) challengeBody {
	return challengeBody{
		ChallengeID:       t.ChallengeID.String(),
		Channel:           string(t.Channel),
		ExpiresAt:         t.ExpiresAt.Unix(),
		AttemptsRemaining: t.AttemptsRemaining,
	}
}

// signupResponse is the JSON body for every signup step
type signupResponse struct {
	SignupID      string          `json:"signup_id"`
	Step          string          `json:"step"`
	PhoneVerified bool            `json:"phone_verified"`
	EmailVerified bool            `json:"email_verified"`
	ExpiresAt     int64           `json:"expires_at"`
	Challenge     *challengeBody  `json:"challenge,omitempty"`
	Validation    *validationBody `json:"validation,omitempty"`
}

func signupOf(p auth.SignupProgress) signupResponse {
	resp := signupResponse{
		SignupID:      p.StateID.String(),
		Step:          string(p.Step),
		PhoneVerified: p.PhoneVerified,
		EmailVerified: p.EmailVerified,
		ExpiresAt:     p.ExpiresAt.Unix(),
	}
	if p.Challenge != nil {
		c := challengeOf(*p.Challenge)
		resp.Challenge = &c
	}
	if p.Validation != nil {
		v := validationOf(*p.Validation)
		resp.Validation = &v
	}
	return resp
}

// respondProgress renders a step result; a non-valid code keeps the
// progress in the body with the outcome's status.
func (h *SignupHandler) respondProgress(w http.ResponseWriter, okStatus int, p auth.SignupProgress) {
	status := okStatus
	if p.Validation != nil && !p.Validation.Valid() {
		status = validationStatus(*p.Validation)
	}
	respondJSON(w, status, signupOf(p))
}

// HandleStartPhone handles POST /signup/phone
func (h *SignupHandler) HandleStartPhone(w http.ResponseWriter, r *http.Request) {
	var req signupPhoneRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		respondWithError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	p, err := h.signup.StartPhoneSignup(r.Context(), req.PhoneNumber, clientMeta(r))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	h.respondProgress(w, http.StatusCreated, p)
}

// HandleVerifyPhone handles POST /signup/{id}/phone/verify
func (h *SignupHandler) HandleVerifyPhone(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown signup")
		return
	}
	var req signupCodeRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}
	p, err := h.signup.VerifyPhone(r.Context(), id, strings.TrimSpace(req.Code))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	h.respondProgress(w, http.StatusOK, p)
}

// HandleStartEmail handles POST /signup/{id}/email
func (h *SignupHandler) HandleStartEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown signup")
		return
	}
	var req signupEmailRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}
	p, err := h.signup.StartEmailVerification(r.Context(), id, req.Email, clientMeta(r))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	h.respondProgress(w, http.StatusOK, p)
}

// HandleVerifyEmail handles POST /signup/{id}/email/verify
func (h *SignupHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown signup")
		return
	}
	var req signupCodeRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Code) == "" {
		respondWithError(w, http.StatusBadRequest, "email and code are required")
		return
	}
	p, err := h.signup.VerifyEmail(r.Context(), id, req.Email, strings.TrimSpace(req.Code))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	h.respondProgress(w, http.StatusOK, p)
}

// HandleResend handles POST /signup/{id}/resend
func (h *SignupHandler) HandleResend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown signup")
		return
	}
	p, err := h.signup.ResendCode(r.Context(), id, clientMeta(r))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	h.respondProgress(w, http.StatusOK, p)
}

type signupCompleteResponse struct {
	User   userResponse   `json:"user"`
	Tokens tokensResponse `json:"tokens"`
}

// HandleComplete handles POST /signup/{id}/complete
func (h *SignupHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown signup")
		return
	}
	var req signupCompleteRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "password is required")
		return
	}
	done, err := h.signup.CompleteSignup(r.Context(), id, req.Password, clientMeta(r))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, signupCompleteResponse{User: userOf(done.User), Tokens: tokensOf(done.Tokens)})
}

// HandleGet handles GET /signup/{id}
func (h *SignupHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown signup")
		return
	}
	p, err := h.signup.GetProgress(r.Context(), id)
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, signupOf(p))
}

// HandleCancel handles DELETE /signup/{id}
func (h *SignupHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown signup")
		return
	}
	if err := h.signup.CancelSignup(r.Context(), id); err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
