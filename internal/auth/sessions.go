package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tradersdesk/internal/model"
	"tradersdesk/internal/util"
)

const (
	CookieName        = "tradersdesk_admin_session"
	DefaultSessionTTL = 24 * time.Hour
	sessionTokenBytes = 32
)

// SessionCache is an optional read-through cache of validated sessions.
// Entries live in a generation namespace; Invalidate moves to a new
// generation, so a lookup that raced a revocation can only ever write into
// a namespace nobody reads any more.
type SessionCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, gen int64, tokenHash string) (*model.AdminSession, error)
	Put(ctx context.Context, gen int64, s *model.AdminSession, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type SessionOptions struct {
	TTL          time.Duration
	SecureCookie bool
	Clock        func() time.Time
	Cache        SessionCache
	CacheTTL     time.Duration
}

// SessionManager issues, validates and revokes admin sessions. Sessions
// have a fixed lifetime and are not extended on use.
type SessionManager struct {
	store        SessionStore
	secret       []byte
	ttl          time.Duration
	secureCookie bool
	now          func() time.Time
	cache        SessionCache
	cacheTTL     time.Duration
}

func NewSessionManager(ctx context.Context, store SessionStore, opts SessionOptions) (*SessionManager, error) {
	secret, err := store.EnsureSessionSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session secret: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	return &SessionManager{
		store:        store,
		secret:       []byte(secret),
		ttl:          opts.TTL,
		secureCookie: opts.SecureCookie,
		now:          opts.Clock,
		cache:        opts.Cache,
		cacheTTL:     opts.CacheTTL,
	}, nil
}

func (sm *SessionManager) TTL() time.Duration { return sm.ttl }

// CreateSession persists a new session and returns the raw token for the
// cookie. The token itself is never stored.
func (sm *SessionManager) CreateSession(ctx context.Context, ip, userAgent string) (string, *model.AdminSession, error) {
	token, err := generateToken(sessionTokenBytes)
	if err != nil {
		return "", nil, err
	}
	csrfToken, err := generateToken(sessionTokenBytes)
	if err != nil {
		return "", nil, err
	}

	now := sm.now().UTC()
	s := &model.AdminSession{
		ID:        uuid.NewString(),
		TokenHash: sm.hashToken(token),
		CSRFToken: csrfToken,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.CreateSession(ctx, s); err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}
	return token, s, nil
}

// ValidateSession resolves token to a live session. Every failure,
// including storage errors, yields ErrSessionInvalid.
func (sm *SessionManager) ValidateSession(ctx context.Context, token string) (*model.AdminSession, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}
	hash := sm.hashToken(token)
	now := sm.now()

	gen, s := sm.cached(ctx, hash)
	if s == nil {
		var err error
		s, err = sm.store.GetSessionByTokenHash(ctx, hash)
		if err != nil {
			util.Error("Session lookup failed", util.ErrorField(err))
			return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
		}
		if s.Valid(now) && gen >= 0 {
			ttl := min(sm.cacheTTL, s.ExpiresAt.Sub(now))
			if err := sm.cache.Put(ctx, gen, s, ttl); err != nil {
				util.Warn("Session cache write failed", util.ErrorField(err))
			}
		}
	}

	if !s.Valid(now) {
		return nil, ErrSessionInvalid
	}
	return s, nil
}

// cached returns the current cache generation (-1 when the cache is off or
// unreachable) and the cached session, if any.
func (sm *SessionManager) cached(ctx context.Context, hash string) (int64, *model.AdminSession) {
	if sm.cache == nil {
		return -1, nil
	}
	gen, err := sm.cache.Generation(ctx)
	if err != nil {
		util.Warn("Session cache unavailable", util.ErrorField(err))
		return -1, nil
	}
	s, err := sm.cache.Get(ctx, gen, hash)
	if err != nil {
		util.Warn("Session cache read failed", util.ErrorField(err))
		return gen, nil
	}
	return gen, s
}

// RevokeSession marks the session behind token revoked. Revoking an unknown
// or already revoked token is not an error.
func (sm *SessionManager) RevokeSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := sm.store.RevokeSessionByTokenHash(ctx, sm.hashToken(token)); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return sm.InvalidateCache(ctx)
}

// RevokeSessionByID revokes a session listed in the security panel.
func (sm *SessionManager) RevokeSessionByID(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	found, err := sm.store.RevokeSessionByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	return found, sm.InvalidateCache(ctx)
}

// RevokeAllSessions revokes every session in a single store update.
func (sm *SessionManager) RevokeAllSessions(ctx context.Context) (int64, error) {
	n, err := sm.store.RevokeAllSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return n, sm.InvalidateCache(ctx)
}

// InvalidateCache drops every cached session. It must run after any store
// write that revokes sessions.
func (sm *SessionManager) InvalidateCache(ctx context.Context) error {
	if sm.cache == nil {
		return nil
	}
	if err := sm.cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
		util.Error("Session cache invalidation failed", util.ErrorField(err))
		return fmt.Errorf("session cache invalidation: %w", err)
	}
	return nil
}

// GetActiveSessions lists sessions that are neither revoked nor expired.
func (sm *SessionManager) GetActiveSessions(ctx context.Context) ([]model.AdminSession, error) {
	return sm.store.ListActiveSessions(ctx, sm.now().UTC())
}

// PurgeSessions deletes rows that expired (or were revoked) more than
// retention ago. Validation never depends on this running.
func (sm *SessionManager) PurgeSessions(ctx context.Context, retention time.Duration) (int64, error) {
	return sm.store.PurgeSessions(ctx, sm.now().Add(-retention).UTC())
}

// TokenFromRequest returns the session cookie value, or "".
func TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (sm *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secureCookie,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
}

func (sm *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secureCookie,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) hashToken(token string) string {
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
