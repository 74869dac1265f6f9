package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"tradersdesk/internal/model"
)

type contextKey int

const identityKey contextKey = iota

// Identity is attached to the request context of authenticated admin
// requests.
type Identity struct {
	IsAdmin   bool
	SessionID string
	CSRFToken string
	IPAddress string
	ExpiresAt time.Time
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity set by the gate, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

func identityOf(s *model.AdminSession) *Identity {
	return &Identity{
		IsAdmin:   true,
		SessionID: s.ID,
		CSRFToken: s.CSRFToken,
		IPAddress: s.IPAddress,
		ExpiresAt: s.ExpiresAt,
	}
}

// GatePaths are the admin area locations the gate redirects between.
type GatePaths struct {
	Login     string
	Dashboard string
	// Public paths are reachable without a session. The login path is
	// always public.
	Public []string
}

// Gate guards the admin area. Authenticated requests proceed with an
// Identity in the context; unauthenticated ones are sent to the login page,
// and authenticated visits to the login page are sent to the dashboard.
func (sm *SessionManager) Gate(paths GatePaths) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := strings.TrimSuffix(r.URL.Path, "/")
			if path == "" {
				path = "/"
			}

			token := TokenFromRequest(r)
			var session *model.AdminSession
			if token != "" {
				s, err := sm.ValidateSession(r.Context(), token)
				if err == nil {
					session = s
				} else {
					sm.ClearCookie(w)
				}
			}

			if path == paths.Login {
				if session != nil {
					http.Redirect(w, r, paths.Dashboard, http.StatusSeeOther)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if session != nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identityOf(session))))
				return
			}

			for _, p := range paths.Public {
				if path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Redirect(w, r, paths.Login, http.StatusSeeOther)
		})
	}
}

// RequireCSRF rejects state-changing requests from an authenticated context
// whose csrf_token form field or X-CSRF-Token header does not match the
// session's token.
func RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		id := IdentityFromContext(r.Context())
		if id == nil {
			next.ServeHTTP(w, r)
			return
		}

		submitted := r.Header.Get("X-CSRF-Token")
		if submitted == "" {
			submitted = r.PostFormValue("csrf_token")
		}
		if submitted == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(id.CSRFToken)) != 1 {
			http.Error(w, "Forbidden: Invalid CSRF token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the response headers every admin page carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "same-origin")
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; form-action 'self'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
