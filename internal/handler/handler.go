package handler

import (
	"bytes"
	"html/template"
	"net/http"

	"tradersdesk/internal/auth"
	"tradersdesk/internal/util"
)

const (
	LoginPath         = "/admin/login"
	LogoutPath        = "/admin/logout"
	DashboardPath     = "/admin"
	ResetPasswordPath = "/admin/reset-password"
	SetupPath         = "/admin/setup"
	SecurityPath      = "/admin/security"
)

// Pages holds the parsed template set for each admin page.
type Pages struct {
	Login     *template.Template
	Reset     *template.Template
	Setup     *template.Template
	Dashboard *template.Template
	Security  *template.Template
}

// render executes name into a buffer first so a template error never leaves
// a half-written page behind a 200.
func render(w http.ResponseWriter, tmpl *template.Template, name string, status int, data any) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		util.Error("Failed to render template", util.String("template", name), util.ErrorField(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func clientOf(r *http.Request, trustProxy bool) auth.Client {
	return auth.Client{
		IP:        util.ClientIP(r, trustProxy),
		UserAgent: r.UserAgent(),
	}
}
