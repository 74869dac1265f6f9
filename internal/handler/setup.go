package handler

import (
	"errors"
	"net/http"
	"strings"

	"tradersdesk/internal/auth"
	"tradersdesk/internal/util"
)

type SetupHandler struct {
	accounts   *auth.AccountService
	enabled    bool
	pages      *Pages
	trustProxy bool
}

func NewSetupHandler(accounts *auth.AccountService, enabled bool, pages *Pages, trustProxy bool) *SetupHandler {
	return &SetupHandler{accounts: accounts, enabled: enabled, pages: pages, trustProxy: trustProxy}
}

// available reports whether first-run setup may still be performed.
func (h *SetupHandler) available(r *http.Request) bool {
	if !h.enabled {
		return false
	}
	needs, err := h.accounts.NeedsSetup(r.Context())
	if err != nil {
		util.Error("Failed to check setup state", util.ErrorField(err))
		return false
	}
	return needs
}

func (h *SetupHandler) SetupPage(w http.ResponseWriter, r *http.Request) {
	if !h.available(r) {
		http.NotFound(w, r)
		return
	}
	render(w, h.pages.Setup, "setup.html", http.StatusOK, map[string]any{
		"MinLength": h.accounts.MinPasswordLength(),
	})
}

func (h *SetupHandler) SetupSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.available(r) {
		http.NotFound(w, r)
		return
	}

	_ = r.ParseForm()
	err := h.accounts.Setup(r.Context(), clientOf(r, h.trustProxy),
		r.PostFormValue("password"),
		r.PostFormValue("confirm_password"),
	)
	if errors.Is(err, auth.ErrAlreadyProvisioned) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		msg, ok := passwordMessage(err)
		status := http.StatusBadRequest
		if !ok {
			util.Error("Setup failed", util.ErrorField(err))
			msg, status = "Failed to store the admin password", http.StatusInternalServerError
		}
		render(w, h.pages.Setup, "setup.html", status, map[string]any{
			"Error":     msg,
			"MinLength": h.accounts.MinPasswordLength(),
		})
		return
	}

	http.Redirect(w, r, LoginPath+"?msg=Admin+password+set.+Sign+in+to+continue.", http.StatusSeeOther)
}

// RequireSetupComplete sends every admin request to the setup page while
// setup is enabled and no credential exists yet.
func (h *SetupHandler) RequireSetupComplete(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.enabled || strings.HasPrefix(r.URL.Path, SetupPath) {
			next.ServeHTTP(w, r)
			return
		}
		if h.available(r) {
			http.Redirect(w, r, SetupPath, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}
