package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tradersdesk/internal/auth"
)

type AuthHandler struct {
	authn      *auth.Authenticator
	sessions   *auth.SessionManager
	accounts   *auth.AccountService
	pages      *Pages
	trustProxy bool
}

func NewAuthHandler(authn *auth.Authenticator, sm *auth.SessionManager, accounts *auth.AccountService, pages *Pages, trustProxy bool) *AuthHandler {
	return &AuthHandler{authn: authn, sessions: sm, accounts: accounts, pages: pages, trustProxy: trustProxy}
}

func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	render(w, h.pages.Login, "login.html", http.StatusOK, map[string]any{
		"Flash":     r.URL.Query().Get("msg"),
		"CanReset":  !h.accounts.External(),
		"ResetPath": ResetPasswordPath,
		"LoginPath": LoginPath,
	})
}

func (h *AuthHandler) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	client := clientOf(r, h.trustProxy)

	token, _, err := h.authn.Login(r.Context(), client, r.PostFormValue("password"))
	if err != nil {
		status, msg := loginFailure(w, err)
		render(w, h.pages.Login, "login.html", status, map[string]any{
			"Error":     msg,
			"CanReset":  !h.accounts.External(),
			"ResetPath": ResetPasswordPath,
			"LoginPath": LoginPath,
		})
		return
	}

	h.sessions.SetCookie(w, token)
	http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	client := clientOf(r, h.trustProxy)
	_ = h.authn.Logout(r.Context(), client, auth.TokenFromRequest(r))
	h.sessions.ClearCookie(w)
	http.Redirect(w, r, LoginPath, http.StatusSeeOther)
}

func (h *AuthHandler) ResetPage(w http.ResponseWriter, r *http.Request) {
	if h.accounts.External() {
		http.NotFound(w, r)
		return
	}
	render(w, h.pages.Reset, "reset.html", http.StatusOK, h.resetData(nil))
}

func (h *AuthHandler) ResetSubmit(w http.ResponseWriter, r *http.Request) {
	if h.accounts.External() {
		http.NotFound(w, r)
		return
	}
	_ = r.ParseForm()
	client := clientOf(r, h.trustProxy)

	hash, err := h.authn.ResetPassword(r.Context(), client,
		r.PostFormValue("recovery_key"),
		r.PostFormValue("new_password"),
		r.PostFormValue("confirm_password"),
	)
	if err != nil {
		var status int
		var msg string
		if errors.Is(err, auth.ErrRecoveryKeyInvalid) {
			status, msg = http.StatusUnauthorized, "Invalid or already used recovery key"
		} else if m, ok := passwordMessage(err); ok {
			status, msg = http.StatusBadRequest, m
		} else {
			status, msg = loginFailure(w, err)
		}
		render(w, h.pages.Reset, "reset.html", status, h.resetData(map[string]any{"Error": msg}))
		return
	}

	h.sessions.ClearCookie(w)
	render(w, h.pages.Reset, "reset.html", http.StatusOK, h.resetData(map[string]any{
		"Done":    true,
		"NewHash": hash,
	}))
}

func (h *AuthHandler) resetData(extra map[string]any) map[string]any {
	data := map[string]any{
		"MinLength": h.accounts.MinPasswordLength(),
		"LoginPath": LoginPath,
		"ResetPath": ResetPasswordPath,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// loginFailure maps an authentication error to a status and a message that
// never says which part of the credential was wrong.
func loginFailure(w http.ResponseWriter, err error) (int, string) {
	var rle *auth.RateLimitError
	if errors.As(err, &rle) {
		secs := rle.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		return http.StatusTooManyRequests, "Too many failed attempts from your address. Try again in " + humanizeSeconds(secs) + "."
	}
	return http.StatusUnauthorized, "Invalid credentials"
}

// passwordMessage returns the user-facing text for a new-password
// validation error.
func passwordMessage(err error) (string, bool) {
	var pe *auth.PasswordPolicyError
	switch {
	case errors.As(err, &pe):
		return strings.ToUpper(pe.Reason[:1]) + pe.Reason[1:], true
	case errors.Is(err, auth.ErrPasswordRequired):
		return "Password is required", true
	case errors.Is(err, auth.ErrPasswordMismatch):
		return "Passwords do not match", true
	case errors.Is(err, auth.ErrExternalCredential):
		return "The admin password is managed by the directory", true
	}
	return "", false
}

func humanizeSeconds(secs int) string {
	switch {
	case secs == 1:
		return "1 second"
	case secs < 60:
		return strconv.Itoa(secs) + " seconds"
	case secs < 3600:
		m := (secs + 59) / 60
		if m == 1 {
			return "1 minute"
		}
		return strconv.Itoa(m) + " minutes"
	default:
		hrs := (secs + 3599) / 3600
		if hrs == 1 {
			return "1 hour"
		}
		return strconv.Itoa(hrs) + " hours"
	}
}
