package app

import (
	"context"
	"net/http"
	"testing"

	"herfa/api/internal/store"
)

func TestSignUpSignInAndSessionInfo(t *testing.T) {
	env := newTestEnv(t)

	signUp := map[string]any{
		"email":     "  Nadia@Example.com ",
		"password":  "correct horse",
		"full_name": "Nadia",
		"role":      "handyman",
		"city":      "Sfax",
	}
	created := expectStatus(t, env.do(t, http.MethodPost, "/api/auth/signup", "", signUp), http.StatusCreated, "")
	if created["access_token"] == "" || created["refresh_token"] == "" {
		t.Fatalf("expected tokens, got %v", created)
	}
	if created["role"] != store.RoleHandyman {
		t.Fatalf("expected handyman role, got %v", created["role"])
	}

	expectStatus(t, env.do(t, http.MethodPost, "/api/auth/signup", "", signUp), http.StatusConflict, "EMAIL_EXISTS")

	signIn := expectStatus(t, env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email": "nadia@example.com", "password": "correct horse",
	}), http.StatusOK, "")
	token := signIn["access_token"].(string)

	info := expectStatus(t, env.do(t, http.MethodGet, "/api/session", token, nil), http.StatusOK, "")
	if info["authenticated"] != true || info["full_name"] != "Nadia" {
		t.Fatalf("unexpected session info %v", info)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email": "nadia@example.com", "password": "wrong password",
	}), http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestSignUpValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{name: "short password", body: map[string]any{"email": "a@example.com", "password": "short", "full_name": "A"}},
		{name: "bad email", body: map[string]any{"email": "not-an-email", "password": "long enough", "full_name": "A"}},
		{name: "admin role", body: map[string]any{"email": "b@example.com", "password": "long enough", "full_name": "B", "role": "admin"}},
		{name: "missing name", body: map[string]any{"email": "c@example.com", "password": "long enough"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, env.do(t, http.MethodPost, "/api/auth/signup", "", tc.body), http.StatusUnprocessableEntity, "VALIDATION_FAILED")
		})
	}
}

func TestSessionInfoWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	info := expectStatus(t, env.do(t, http.MethodGet, "/api/session", "", nil), http.StatusOK, "")
	if info["authenticated"] != false {
		t.Fatalf("expected unauthenticated, got %v", info)
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, store.RoleClient, "Rania")

	rotated := expectStatus(t, env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	}), http.StatusOK, "")
	if rotated["refresh_token"] == session.RefreshToken {
		t.Fatal("expected a new refresh token")
	}

	expectStatus(t, env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	}), http.StatusUnauthorized, "UNAUTHORIZED")
	expectStatus(t, env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]string{}), http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestLogoutRevokesTokens(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, store.RoleClient, "Lina")

	expectStatus(t, env.do(t, http.MethodPost, "/api/session/logout", session.Token, map[string]string{
		"refresh_token": session.RefreshToken,
	}), http.StatusOK, "")

	expectStatus(t, env.do(t, http.MethodGet, "/api/me/jobs", session.Token, nil), http.StatusUnauthorized, "UNAUTHORIZED")
	expectStatus(t, env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	}), http.StatusUnauthorized, "UNAUTHORIZED")

	revoked, err := env.svc.sessions.IsAccessTokenRevoked(context.Background(), session.JTI)
	if err != nil || !revoked {
		t.Fatalf("expected jti revoked, got %v %v", revoked, err)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/me/jobs", "/api/me/applications", "/api/jobs/job-1/chat"} {
		expectStatus(t, env.do(t, http.MethodGet, path, "", nil), http.StatusUnauthorized, "UNAUTHORIZED")
		expectStatus(t, env.do(t, http.MethodGet, path, "garbage", nil), http.StatusUnauthorized, "UNAUTHORIZED")
	}
}

func TestBannedAccountCannotUseSession(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, store.RoleClient, "Bilel")

	env.store.mu.Lock()
	profile := env.store.profiles[session.UserID]
	profile.Banned = true
	env.store.profiles[session.UserID] = profile
	env.store.mu.Unlock()

	expectStatus(t, env.do(t, http.MethodGet, "/api/me/jobs", session.Token, nil), http.StatusForbidden, "BANNED")
	expectStatus(t, env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]string{
		"refresh_token": session.RefreshToken,
	}), http.StatusForbidden, "BANNED")
}
