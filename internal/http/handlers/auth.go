package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/middleware"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

// AuthHandler handles challenge, login and session endpoints
type AuthHandler struct {
	svc   *auth.Service
	users repo.UserRepo
	log   *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(svc *auth.Service, users repo.UserRepo, log *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, users: users, log: log}
}

// startChallengeRequest is the request body for POST /challenges
type startChallengeRequest struct {
	Identifier string `json:"identifier"`
	Purpose    string `json:"purpose"`
}

// verifyChallengeRequest is the request body for POST /challenges/{id}/verify
type verifyChallengeRequest struct {
	Code string `json:"code"`
}

// HandleStartChallenge handles POST /challenges
func (h *AuthHandler) HandleStartChallenge(w http.ResponseWriter, r *http.Request) {
	var req startChallengeRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		respondWithError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	purpose := model.Purpose(req.Purpose)
	if purpose == "" {
		purpose = model.PurposeLogin
	}
	// Registration codes are only issued through the signup flow.
	if purpose == model.PurposeRegistration {
		respondWithError(w, http.StatusBadRequest, "use /signup for registration")
		return
	}

	ticket, err := h.svc.Codes.StartChallenge(r.Context(), auth.ChallengeRequest{
		Identifier: req.Identifier,
		Purpose:    purpose,
		Client:     clientMeta(r),
	})
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, challengeOf(ticket))
}

type loginResponse struct {
	Validation validationBody  `json:"validation"`
	User       *userResponse   `json:"user,omitempty"`
	Tokens     *tokensResponse `json:"tokens,omitempty"`
}

// HandleVerifyChallenge handles POST /challenges/{id}/verify. A valid login
// code opens a session; challenges issued for another purpose are refused
// without spending an attempt.
func (h *AuthHandler) HandleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	var req verifyChallengeRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}

	out, err := h.svc.Login(r.Context(), id, req.Code, clientMeta(r))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	resp := loginResponse{Validation: validationOf(out.Validation)}
	if !out.Validation.Valid() {
		respondJSON(w, validationStatus(out.Validation), resp)
		return
	}
	u := userOf(*out.User)
	t := tokensOf(*out.Tokens)
	resp.User, resp.Tokens = &u, &t
	respondJSON(w, http.StatusOK, resp)
}

// HandleResendChallenge handles POST /challenges/{id}/resend
func (h *AuthHandler) HandleResendChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	ticket, err := h.svc.Codes.Resend(r.Context(), id, clientMeta(r))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, challengeOf(ticket))
}

// resetPasswordRequest is the request body for POST /challenges/{id}/reset-password
type resetPasswordRequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

type resetPasswordResponse struct {
	Validation validationBody `json:"validation"`
	User       *userResponse  `json:"user,omitempty"`
}

// HandleResetPassword handles POST /challenges/{id}/reset-password. A valid
// password_reset code sets the new password and ends every session.
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	var req resetPasswordRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "code and password are required")
		return
	}

	out, err := h.svc.ResetPassword(r.Context(), id, req.Code, req.Password)
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	resp := resetPasswordResponse{Validation: validationOf(out.Validation)}
	if !out.Validation.Valid() {
		respondJSON(w, validationStatus(out.Validation), resp)
		return
	}
	u := userOf(*out.User)
	resp.User = &u
	respondJSON(w, http.StatusOK, resp)
}

// refreshRequest is the request body for POST /sessions/refresh
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleRefresh handles POST /sessions/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	tokens, err := h.svc.Sessions.RefreshSession(r.Context(), req.RefreshToken, middleware.ClientIP(r))
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, tokensOf(tokens))
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientIP     string `json:"client_ip"`
	UserAgent    string `json:"user_agent"`
	CreatedAt    int64  `json:"created_at"`
	LastAccessAt int64  `json:"last_access_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Current      bool   `json:"current"`
}

// HandleListSessions handles GET /sessions (protected)
func (h *AuthHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.svc.Sessions.ListSessions(r.Context(), p.UserID)
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, sessionResponse{
			ID:           s.ID.String(),
			ClientIP:     s.ClientIP,
			UserAgent:    s.UserAgent,
			CreatedAt:    s.CreatedAt.Unix(),
			LastAccessAt: s.LastAccessAt.Unix(),
			ExpiresAt:    s.ExpiresAt.Unix(),
			Current:      s.ID == p.SessionID,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// HandleRevokeSession handles DELETE /sessions/{id} (protected)
func (h *AuthHandler) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err := h.svc.Sessions.InvalidateSession(r.Context(), p.UserID, &id); err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRevokeAll handles DELETE /sessions (protected). With ?rotate=true the
// signing secrets are rotated too.
func (h *AuthHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var err error
	if r.URL.Query().Get("rotate") == "true" {
		err = h.svc.Sessions.RevokeAll(r.Context(), p.UserID)
	} else {
		err = h.svc.Sessions.InvalidateSession(r.Context(), p.UserID, nil)
	}
	if err != nil {
		respondWithAuthError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok || userID == uuid.Nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.users.GetByID(r.Context(), userID)
	if errors.Is(err, repo.ErrNotFound) {
		respondWithError(w, http.StatusUnauthorized, "user not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load user", zap.Error(err), zap.String("user_id", userID.String()))
		respondWithError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	respondJSON(w, http.StatusOK, userOf(user))
}
