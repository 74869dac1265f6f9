package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"tradersdesk/internal/auth"
	"tradersdesk/internal/model"
	"tradersdesk/internal/util"
)

const recentEventLimit = 50

type AdminHandler struct {
	sessions   *auth.SessionManager
	limiter    *auth.RateLimiter
	audit      *auth.AuditLog
	accounts   *auth.AccountService
	pages      *Pages
	trustProxy bool
}

func NewAdminHandler(sm *auth.SessionManager, limiter *auth.RateLimiter, audit *auth.AuditLog, accounts *auth.AccountService, pages *Pages, trustProxy bool) *AdminHandler {
	return &AdminHandler{
		sessions:   sm,
		limiter:    limiter,
		audit:      audit,
		accounts:   accounts,
		pages:      pages,
		trustProxy: trustProxy,
	}
}

func (h *AdminHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	render(w, h.pages.Dashboard, "layout", http.StatusOK, map[string]any{
		"Title":     "Dashboard",
		"Identity":  id,
		"CSRFToken": id.CSRFToken,
	})
}

func (h *AdminHandler) Security(w http.ResponseWriter, r *http.Request) {
	h.renderSecurity(w, r, http.StatusOK, nil)
}

// renderSecurity renders the panel. extra carries one-off values such as a
// freshly generated recovery key.
func (h *AdminHandler) renderSecurity(w http.ResponseWriter, r *http.Request, status int, extra map[string]any) {
	ctx := r.Context()
	id := auth.IdentityFromContext(ctx)

	data := map[string]any{
		"Title":       "Security",
		"Identity":    id,
		"CSRFToken":   id.CSRFToken,
		"Flash":       r.URL.Query().Get("msg"),
		"MinLength":   h.accounts.MinPasswordLength(),
		"External":    h.accounts.External(),
		"SecurityURL": SecurityPath,
	}

	var loadErrs []string
	sessions, err := h.sessions.GetActiveSessions(ctx)
	if err != nil {
		util.Error("Failed to list sessions", util.ErrorField(err))
		loadErrs = append(loadErrs, "sessions")
	}
	blocks, err := h.limiter.ActiveBlocks(ctx)
	if err != nil {
		util.Error("Failed to list ip blocks", util.ErrorField(err))
		loadErrs = append(loadErrs, "blocked addresses")
	}
	events, err := h.audit.GetSecurityEvents(ctx, recentEventLimit)
	if err != nil {
		util.Error("Failed to list security events", util.ErrorField(err))
		loadErrs = append(loadErrs, "security events")
	}
	data["Sessions"] = sessions
	data["Blocks"] = blocks
	data["Events"] = events
	if len(loadErrs) > 0 {
		data["LoadErrors"] = loadErrs
	}

	for k, v := range extra {
		data[k] = v
	}
	render(w, h.pages.Security, "layout", status, data)
}

func (h *AdminHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFromContext(ctx)
	client := clientOf(r, h.trustProxy)
	target := r.PostFormValue("session_id")

	found, err := h.sessions.RevokeSessionByID(ctx, target)
	if err != nil {
		util.Error("Failed to revoke session", util.String("session_id", target), util.ErrorField(err))
		http.Error(w, "Failed to revoke session", http.StatusInternalServerError)
		return
	}
	if !found {
		redirectWithFlash(w, r, SecurityPath, "Session not found or already revoked")
		return
	}

	h.audit.LogSecurityEvent(ctx, model.EventSessionRevoked, client.IP, client.UserAgent, map[string]string{
		"session_id": target,
		"revoked_by": id.SessionID,
	})

	if target == id.SessionID {
		h.sessions.ClearCookie(w)
		http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		return
	}
	redirectWithFlash(w, r, SecurityPath, "Session revoked")
}

// RevokeAll signs out every session, the caller's included.
func (h *AdminHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := auth.IdentityFromContext(ctx)
	client := clientOf(r, h.trustProxy)

	n, err := h.sessions.RevokeAllSessions(ctx)
	if err != nil {
		util.Error("Failed to revoke all sessions", util.ErrorField(err))
		http.Error(w, "Failed to revoke sessions", http.StatusInternalServerError)
		return
	}
	h.audit.LogSecurityEvent(ctx, model.EventSessionRevoked, client.IP, client.UserAgent, map[string]string{
		"scope":      "all",
		"count":      strconv.FormatInt(n, 10),
		"revoked_by": id.SessionID,
	})

	h.sessions.ClearCookie(w)
	redirectWithFlash(w, r, LoginPath, "All sessions were signed out")
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientOf(r, h.trustProxy)
	ip := r.PostFormValue("ip")

	found, err := h.limiter.Unblock(ctx, ip)
	if err != nil {
		util.Error("Failed to unblock ip", util.String("ip", ip), util.ErrorField(err))
		http.Error(w, "Failed to unblock address", http.StatusInternalServerError)
		return
	}
	if !found {
		redirectWithFlash(w, r, SecurityPath, "Address is not blocked")
		return
	}
	h.audit.LogSecurityEvent(ctx, model.EventIPUnblocked, client.IP, client.UserAgent, map[string]string{
		"unblocked_ip": ip,
	})
	redirectWithFlash(w, r, SecurityPath, "Address "+ip+" unblocked")
}

// ChangePassword rotates the credential. Every session is revoked, so the
// response is a fresh login page showing the new hash once.
func (h *AdminHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientOf(r, h.trustProxy)

	hash, err := h.accounts.ChangePassword(ctx, client,
		r.PostFormValue("current_password"),
		r.PostFormValue("new_password"),
		r.PostFormValue("confirm_password"),
	)
	if err != nil {
		status, msg := http.StatusBadRequest, ""
		switch m, ok := passwordMessage(err); {
		case errors.Is(err, auth.ErrInvalidCredentials):
			status, msg = http.StatusUnauthorized, "Current password is incorrect"
		case ok:
			msg = m
		default:
			util.Error("Failed to change password", util.ErrorField(err))
			status, msg = http.StatusInternalServerError, "Failed to change password"
		}
		h.renderSecurity(w, r, status, map[string]any{"PasswordError": msg})
		return
	}

	h.sessions.ClearCookie(w)
	render(w, h.pages.Login, "login.html", http.StatusOK, map[string]any{
		"Flash":     "Password changed. All sessions were signed out.",
		"NewHash":   hash,
		"CanReset":  true,
		"ResetPath": ResetPasswordPath,
		"LoginPath": LoginPath,
	})
}

// RecoveryKey issues a new recovery key and shows it once.
func (h *AdminHandler) RecoveryKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := clientOf(r, h.trustProxy)

	key, hash, err := h.accounts.IssueRecoveryKey(ctx, client)
	if err != nil {
		if msg, ok := passwordMessage(err); ok {
			h.renderSecurity(w, r, http.StatusBadRequest, map[string]any{"RecoveryError": msg})
			return
		}
		util.Error("Failed to issue recovery key", util.ErrorField(err))
		h.renderSecurity(w, r, http.StatusInternalServerError, map[string]any{"RecoveryError": "Failed to generate a recovery key"})
		return
	}
	h.renderSecurity(w, r, http.StatusOK, map[string]any{
		"RecoveryKey":     key,
		"RecoveryKeyHash": hash,
	})
}

func redirectWithFlash(w http.ResponseWriter, r *http.Request, path, msg string) {
	http.Redirect(w, r, path+"?msg="+url.QueryEscape(msg), http.StatusSeeOther)
}
