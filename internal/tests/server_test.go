package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/app"
	"github.com/signalix/identity/internal/config"
	"github.com/signalix/identity/internal/testutil"
)

// testServer holds the server and its recording gateway
type testServer struct {
	Server  *httptest.Server
	App     *app.App
	Gateway *testutil.Gateway
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	gw := &testutil.Gateway{}
	a, err := app.Build(context.Background(), cfg, zap.NewNop(), app.WithGateway(gw))
	require.NoError(t, err, "app build must succeed")
	t.Cleanup(func() { _ = a.Close() })

	server := httptest.NewServer(a.Handler)
	t.Cleanup(server.Close)
	return &testServer{Server: server, App: a, Gateway: gw}
}

// TruncateAuth resets the store and the cache between sections
func (s *testServer) TruncateAuth(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := s.App.Cache.DeletePattern(ctx, "*")
	require.NoError(t, err, "flush cache")
	if s.App.DB == nil {
		return
	}
	require.NoError(t, TruncateIdentityTables(ctx, s.App.DB), "truncate identity tables")
}

// do sends a JSON request and decodes a JSON response into out (if non-nil)
func (s *testServer) do(t *testing.T, method, path, token string, body, out any) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = jsonBody(t, body)
	}
	req, err := http.NewRequest(method, s.Server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw := readBody(resp)
	if out != nil && raw != "" {
		require.NoError(t, json.Unmarshal([]byte(raw), out), "body: %s", raw)
	}
	return resp.StatusCode, raw
}

type challengeResponse struct {
	ChallengeID       string `json:"challenge_id"`
	Channel           string `json:"channel"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

type validationResponse struct {
	Outcome           string `json:"outcome"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	CanRetry          bool   `json:"can_retry"`
}

type signupResponse struct {
	SignupID      string              `json:"signup_id"`
	Step          string              `json:"step"`
	PhoneVerified bool                `json:"phone_verified"`
	EmailVerified bool                `json:"email_verified"`
	Challenge     *challengeResponse  `json:"challenge"`
	Validation    *validationResponse `json:"validation"`
}

type tokensResponse struct {
	SessionID    string `json:"session_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type meResponse struct {
	ID            string `json:"id"`
	PhoneNumber   string `json:"phone_number"`
	Email         string `json:"email"`
	PhoneVerified bool   `json:"phone_verified"`
	EmailVerified bool   `json:"email_verified"`
}

type completeResponse struct {
	User   meResponse     `json:"user"`
	Tokens tokensResponse `json:"tokens"`
}

type loginResponse struct {
	Validation validationResponse `json:"validation"`
	User       *meResponse        `json:"user"`
	Tokens     *tokensResponse    `json:"tokens"`
}

type sessionsResponse struct {
	Sessions []struct {
		ID      string `json:"id"`
		Current bool   `json:"current"`
	} `json:"sessions"`
}

// errorResponse matches error JSON body
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

// readBody reads and returns the response body (consumes it)
func readBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

// signup runs the full registration flow and returns the completion body
func (s *testServer) signup(t *testing.T, phone, email, password string) completeResponse {
	t.Helper()

	var st signupResponse
	status, body := s.do(t, http.MethodPost, "/signup/phone", "", map[string]string{"phone_number": phone}, &st)
	require.Equal(t, http.StatusCreated, status, "POST /signup/phone; body: %s", body)

	status, body = s.do(t, http.MethodPost, "/signup/"+st.SignupID+"/phone/verify", "",
		map[string]string{"code": s.Gateway.LastCode(phone)}, &st)
	require.Equal(t, http.StatusOK, status, "verify phone; body: %s", body)

	status, body = s.do(t, http.MethodPost, "/signup/"+st.SignupID+"/email", "", map[string]string{"email": email}, &st)
	require.Equal(t, http.StatusOK, status, "start email; body: %s", body)

	status, body = s.do(t, http.MethodPost, "/signup/"+st.SignupID+"/email/verify", "",
		map[string]string{"email": email, "code": s.Gateway.LastCode(email)}, &st)
	require.Equal(t, http.StatusOK, status, "verify email; body: %s", body)
	require.Equal(t, "password_creation", st.Step)

	var done completeResponse
	status, body = s.do(t, http.MethodPost, "/signup/"+st.SignupID+"/complete", "",
		map[string]string{"password": password}, &done)
	require.Equal(t, http.StatusCreated, status, "complete; body: %s", body)
	return done
}

// login requests and verifies a login code for identifier
func (s *testServer) login(t *testing.T, identifier string) loginResponse {
	t.Helper()
	var ch challengeResponse
	status, body := s.do(t, http.MethodPost, "/challenges", "",
		map[string]string{"identifier": identifier, "purpose": "login"}, &ch)
	require.Equal(t, http.StatusCreated, status, "POST /challenges; body: %s", body)

	var out loginResponse
	status, body = s.do(t, http.MethodPost, "/challenges/"+ch.ChallengeID+"/verify", "",
		map[string]string{"code": s.Gateway.LastCode(identifier)}, &out)
	require.Equal(t, http.StatusOK, status, "verify login; body: %s", body)
	return out
}
