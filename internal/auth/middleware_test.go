package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

var testGatePaths = GatePaths{
	Login:     "/admin/login",
	Dashboard: "/admin",
	Public:    []string{"/admin/reset-password"},
}

// gated runs a request through the gate and reports the identity the inner
// handler saw.
func gated(t *testing.T, sm *SessionManager, req *http.Request) (*httptest.ResponseRecorder, *Identity, bool) {
	t.Helper()
	var seen *Identity
	reached := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	sm.Gate(testGatePaths)(inner).ServeHTTP(rec, req)
	return rec, seen, reached
}

func withCookie(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	return req
}

func TestGateRedirectsAnonymousRequests(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/admin", "/admin/", "/admin/security"} {
		rec, _, reached := gated(t, env.sessions, httptest.NewRequest(http.MethodGet, path, nil))
		if reached {
			t.Fatalf("%s: anonymous request reached the handler", path)
		}
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/admin/login" {
			t.Fatalf("%s: got %d to %q", path, rec.Code, rec.Header().Get("Location"))
		}
	}
}

func TestGateAllowsLoginAndPublicPaths(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/admin/login", "/admin/reset-password"} {
		rec, id, reached := gated(t, env.sessions, httptest.NewRequest(http.MethodGet, path, nil))
		if !reached || rec.Code != http.StatusOK {
			t.Fatalf("%s: expected pass-through, got %d", path, rec.Code)
		}
		if id != nil {
			t.Fatalf("%s: anonymous request must not carry an identity", path)
		}
	}
}

func TestGateAttachesIdentity(t *testing.T) {
	env := newTestEnv(t)
	token, sess, err := env.sessions.CreateSession(context.Background(), "192.0.2.7", "ua")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec, id, reached := gated(t, env.sessions, withCookie(httptest.NewRequest(http.MethodGet, "/admin/security", nil), token))
	if !reached || rec.Code != http.StatusOK {
		t.Fatalf("expected authenticated request to pass, got %d", rec.Code)
	}
	if id == nil || !id.IsAdmin || id.SessionID != sess.ID || id.CSRFToken != sess.CSRFToken {
		t.Fatalf("unexpected identity %+v", id)
	}

	// Public paths still see who is signed in.
	_, id, _ = gated(t, env.sessions, withCookie(httptest.NewRequest(http.MethodGet, "/admin/reset-password", nil), token))
	if id == nil {
		t.Fatal("expected identity on a public path with a valid session")
	}
}

func TestGateSendsSignedInUsersAwayFromLogin(t *testing.T) {
	env := newTestEnv(t)
	token, _, err := env.sessions.CreateSession(context.Background(), "192.0.2.7", "ua")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec, _, reached := gated(t, env.sessions, withCookie(httptest.NewRequest(http.MethodGet, "/admin/login", nil), token))
	if reached {
		t.Fatal("login page must not render for a signed-in admin")
	}
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/admin" {
		t.Fatalf("got %d to %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestGateClearsStaleCookie(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token, _, err := env.sessions.CreateSession(ctx, "192.0.2.7", "ua")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := env.sessions.RevokeSession(ctx, token); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	rec, _, reached := gated(t, env.sessions, withCookie(httptest.NewRequest(http.MethodGet, "/admin/login", nil), token))
	if !reached {
		t.Fatal("a revoked session should fall through to the login page")
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("expected the stale cookie to be cleared")
	}
}

func TestRequireCSRF(t *testing.T) {
	id := &Identity{IsAdmin: true, SessionID: "s1", CSRFToken: "expected-token"}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireCSRF(ok)

	serve := func(req *http.Request, withIdentity bool) int {
		if withIdentity {
			req = req.WithContext(WithIdentity(req.Context(), id))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	form := func(token string) *http.Request {
		body := url.Values{"csrf_token": {token}}.Encode()
		req := httptest.NewRequest(http.MethodPost, "/admin/security/blocks/unblock", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	}

	if code := serve(httptest.NewRequest(http.MethodGet, "/admin/security", nil), true); code != http.StatusNoContent {
		t.Fatalf("GET should pass, got %d", code)
	}
	if code := serve(form(""), true); code != http.StatusForbidden {
		t.Fatalf("missing token: got %d", code)
	}
	if code := serve(form("wrong-token"), true); code != http.StatusForbidden {
		t.Fatalf("wrong token: got %d", code)
	}
	if code := serve(form("expected-token"), true); code != http.StatusNoContent {
		t.Fatalf("form token: got %d", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/logout", nil)
	req.Header.Set("X-CSRF-Token", "expected-token")
	if code := serve(req, true); code != http.StatusNoContent {
		t.Fatalf("header token: got %d", code)
	}

	// Anonymous posts (the login form itself) carry no session to bind to.
	if code := serve(form(""), false); code != http.StatusNoContent {
		t.Fatalf("anonymous POST: got %d", code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))

	want := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'") {
		t.Errorf("unexpected CSP %q", rec.Header().Get("Content-Security-Policy"))
	}
}
