package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tradersdesk/internal/auth"
	"tradersdesk/internal/cache"
	"tradersdesk/internal/config"
	"tradersdesk/internal/database"
	"tradersdesk/internal/database/memory"
	"tradersdesk/internal/handler"
	"tradersdesk/internal/util"
	"tradersdesk/web"
)

const shutdownTimeout = 30 * time.Second

// Deps are the external pieces the admin application is assembled from.
type Deps struct {
	Config  *config.Config
	Store   auth.Store
	Cache   auth.SessionCache // optional
	Clock   func() time.Time  // defaults to time.Now
	Hasher  *auth.Hasher      // defaults to argon2id with DefaultArgon2Params
	Version string
}

// App is the assembled admin application.
type App struct {
	Router   http.Handler
	Sessions *auth.SessionManager
	Limiter  *auth.RateLimiter
	Audit    *auth.AuditLog
	Accounts *auth.AccountService
	Authn    *auth.Authenticator
}

func mustParseTemplates(fsys fs.FS, funcMap template.FuncMap, files ...string) *template.Template {
	tmpl, err := template.New("").Funcs(funcMap).ParseFS(fsys, files...)
	if err != nil {
		panic(fmt.Sprintf("failed to parse templates %v: %v", files, err))
	}
	return tmpl
}

func loadPages(version string) *handler.Pages {
	tmplFS := web.TemplateFS()
	funcMap := template.FuncMap{
		"version":    func() string { return version },
		"formatDate": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05 UTC") },
	}
	return &handler.Pages{
		Login:     mustParseTemplates(tmplFS, funcMap, "templates/login.html"),
		Reset:     mustParseTemplates(tmplFS, funcMap, "templates/reset.html"),
		Setup:     mustParseTemplates(tmplFS, funcMap, "templates/setup.html"),
		Dashboard: mustParseTemplates(tmplFS, funcMap, "templates/layout.html", "templates/dashboard.html"),
		Security:  mustParseTemplates(tmplFS, funcMap, "templates/layout.html", "templates/security.html"),
	}
}

// New wires the access control components over deps.Store, seeds the
// credential from configuration and builds the router.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Config
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	sessions, err := auth.NewSessionManager(ctx, deps.Store, auth.SessionOptions{
		TTL:          cfg.Security.SessionTTL,
		SecureCookie: cfg.Server.CookieSecure(),
		Clock:        clock,
		Cache:        deps.Cache,
		CacheTTL:     cfg.Redis.SessionCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init session manager: %w", err)
	}

	hasher := deps.Hasher
	if hasher == nil {
		hasher = auth.NewHasher(auth.DefaultArgon2Params)
	}
	auditLog := auth.NewAuditLog(deps.Store, clock)
	limiter := auth.NewRateLimiter(deps.Store, auth.RateLimitPolicy{
		MaxFailedAttempts: cfg.Security.MaxFailedAttempts,
		LookbackWindow:    cfg.Security.LookbackWindow,
		BlockTiers:        cfg.Security.BlockTiers,
		EscalationWindow:  cfg.Security.EscalationWindow,
	}, clock)

	var verifier auth.CredentialVerifier
	if cfg.LDAP.Enabled {
		verifier = auth.NewLDAPVerifier(cfg.LDAP)
		util.Info("LDAP authentication enabled", util.String("url", cfg.LDAP.URL))
	} else {
		if err := auth.Provision(ctx, deps.Store, hasher, cfg.Admin.PasswordHash, cfg.Admin.RecoveryKeyHash, clock().UTC()); err != nil {
			return nil, err
		}
		verifier = auth.NewStoreVerifier(deps.Store, hasher)
	}

	accounts := auth.NewAccountService(deps.Store, hasher, verifier, sessions, auditLog, auth.AccountOptions{
		MinPasswordLength: cfg.Admin.MinPasswordLength,
		External:          cfg.LDAP.Enabled,
		Clock:             clock,
	})
	if needs, err := accounts.NeedsSetup(ctx); err == nil && needs && !cfg.Admin.AllowSetup {
		util.Warn("No admin credential is provisioned; set admin.password_hash or enable admin.allow_setup")
	}
	authn := auth.NewAuthenticator(limiter, verifier, sessions, accounts, auditLog)

	app := &App{
		Sessions: sessions,
		Limiter:  limiter,
		Audit:    auditLog,
		Accounts: accounts,
		Authn:    authn,
	}
	app.Router = app.routes(cfg, loadPages(deps.Version))
	return app, nil
}

func (a *App) routes(cfg *config.Config, pages *handler.Pages) http.Handler {
	trustProxy := cfg.Server.TrustProxy
	setupH := handler.NewSetupHandler(a.Accounts, cfg.Admin.AllowSetup, pages, trustProxy)
	authH := handler.NewAuthHandler(a.Authn, a.Sessions, a.Accounts, pages, trustProxy)
	adminH := handler.NewAdminHandler(a.Sessions, a.Limiter, a.Audit, a.Accounts, pages, trustProxy)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(LoggerMiddleware(trustProxy))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Handle("/static/*", web.StaticHandler())
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, handler.DashboardPath, http.StatusSeeOther)
	})

	r.Route(handler.DashboardPath, func(r chi.Router) {
		r.Use(auth.SecurityHeaders)
		r.Use(setupH.RequireSetupComplete)
		r.Use(a.Sessions.Gate(auth.GatePaths{
			Login:     handler.LoginPath,
			Dashboard: handler.DashboardPath,
			Public:    []string{handler.ResetPasswordPath, handler.SetupPath},
		}))
		r.Use(auth.RequireCSRF)

		r.Get("/", adminH.Dashboard)

		r.Get("/login", authH.LoginPage)
		r.Post("/login", authH.LoginSubmit)
		r.Post("/logout", authH.Logout)
		r.Get("/reset-password", authH.ResetPage)
		r.Post("/reset-password", authH.ResetSubmit)

		r.Get("/setup", setupH.SetupPage)
		r.Post("/setup", setupH.SetupSubmit)

		r.Get("/security", adminH.Security)
		r.Post("/security/sessions/revoke", adminH.RevokeSession)
		r.Post("/security/sessions/revoke-all", adminH.RevokeAll)
		r.Post("/security/blocks/unblock", adminH.Unblock)
		r.Post("/security/password", adminH.ChangePassword)
		r.Post("/security/recovery-key", adminH.RecoveryKey)
	})

	return r
}

// Maintain purges dead sessions and prunes old login attempts. It runs once
// at startup; correctness never depends on it.
func (a *App) Maintain(ctx context.Context, sec config.SecurityConfig) {
	if n, err := a.Sessions.PurgeSessions(ctx, sec.SessionTTL); err != nil {
		util.Warn("Failed to purge sessions", util.ErrorField(err))
	} else if n > 0 {
		util.Info("Purged stale sessions", util.Int("count", int(n)))
	}
	if n, err := a.Limiter.PruneAttempts(ctx, sec.AttemptRetention); err != nil {
		util.Warn("Failed to prune login attempts", util.ErrorField(err))
	} else if n > 0 {
		util.Info("Pruned old login attempts", util.Int("count", int(n)))
	}
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, dsn string) (auth.Store, func(), error) {
	if dsn == "memory" {
		util.Warn("Using the in-memory store; sessions and audit history are lost on restart")
		return memory.New(), func() {}, nil
	}
	db, err := database.Open(ctx, dsn, web.MigrationsFS())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}

// Start runs the admin server until SIGINT or SIGTERM, then drains
// in-flight requests.
func Start(cfg *config.Config, version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer closeStore()

	var sessionCache auth.SessionCache
	if cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		sessionCache = cache.NewSessionCache(client)
	}

	app, err := New(ctx, Deps{Config: cfg, Store: store, Cache: sessionCache, Version: version})
	if err != nil {
		return err
	}
	app.Maintain(ctx, cfg.Security)

	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		util.Info("Tradersdesk admin server starting", util.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	util.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	util.Info("Server exited gracefully")
	return nil
}
