package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"tradersdesk/internal/model"
	"tradersdesk/internal/util"
)

// Client identifies who is making a request, for throttling and auditing.
type Client struct {
	IP        string
	UserAgent string
}

// Authenticator runs the unauthenticated flows: login, logout and the
// recovery-key reset. Login and reset share the per-IP brute-force guard.
type Authenticator struct {
	limiter  *RateLimiter
	verifier CredentialVerifier
	sessions *SessionManager
	accounts *AccountService
	audit    *AuditLog
}

func NewAuthenticator(limiter *RateLimiter, verifier CredentialVerifier, sessions *SessionManager, accounts *AccountService, audit *AuditLog) *Authenticator {
	return &Authenticator{
		limiter:  limiter,
		verifier: verifier,
		sessions: sessions,
		accounts: accounts,
		audit:    audit,
	}
}

// Login checks the rate limit, verifies password and opens a session. The
// returned error is a *RateLimitError when the IP is blocked and wraps
// ErrInvalidCredentials for every other refusal.
func (a *Authenticator) Login(ctx context.Context, client Client, password string) (string, *model.AdminSession, error) {
	var ok bool
	err := a.guard(ctx, client, "login", func(ctx context.Context) (bool, error) {
		ok = a.verifier.Verify(ctx, password)
		return ok, nil
	})

	var rle *RateLimitError
	switch {
	case errors.As(err, &rle):
		return "", nil, err
	case err != nil:
		util.Error("Login could not be processed", util.String("ip", client.IP), util.ErrorField(err))
		a.audit.LogSecurityEvent(ctx, model.EventLoginFailed, client.IP, client.UserAgent, map[string]string{"reason": "unavailable"})
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	case !ok:
		a.audit.LogSecurityEvent(ctx, model.EventLoginFailed, client.IP, client.UserAgent, map[string]string{"reason": "bad_password"})
		return "", nil, ErrInvalidCredentials
	}

	token, session, err := a.sessions.CreateSession(ctx, client.IP, client.UserAgent)
	if err != nil {
		util.Error("Session could not be created after a valid login", util.ErrorField(err))
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	a.audit.LogSecurityEvent(ctx, model.EventLoginSuccess, client.IP, client.UserAgent, map[string]string{
		"session_id": session.ID,
	})
	return token, session, nil
}

// Logout revokes the session behind token. Unknown tokens are ignored.
func (a *Authenticator) Logout(ctx context.Context, client Client, token string) error {
	session, err := a.sessions.ValidateSession(ctx, token)
	if err != nil {
		return nil
	}
	if err := a.sessions.RevokeSession(ctx, token); err != nil {
		return err
	}
	a.audit.LogSecurityEvent(ctx, model.EventLogout, client.IP, client.UserAgent, map[string]string{
		"session_id": session.ID,
	})
	return nil
}

// ResetPassword is the unauthenticated recovery flow. Recovery-key guesses
// count towards the same threshold as password guesses.
func (a *Authenticator) ResetPassword(ctx context.Context, client Client, key, next, confirm string) (string, error) {
	// Policy and confirmation problems are the submitter's typo, not a guess.
	if err := CheckNewPassword(next, confirm, a.accounts.MinPasswordLength()); err != nil {
		return "", err
	}

	var hash string
	err := a.guard(ctx, client, "password_reset", func(ctx context.Context) (bool, error) {
		h, err := a.accounts.ResetPasswordWithRecoveryKey(ctx, client, key, next, confirm)
		if errors.Is(err, ErrRecoveryKeyInvalid) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		hash = h
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if hash == "" {
		a.audit.LogSecurityEvent(ctx, model.EventLoginFailed, client.IP, client.UserAgent, map[string]string{"reason": "bad_recovery_key"})
		return "", ErrRecoveryKeyInvalid
	}
	return hash, nil
}

// guard runs attempt under the per-IP lock once the rate limit allows it,
// then records whether it succeeded.
func (a *Authenticator) guard(ctx context.Context, client Client, action string, attempt func(ctx context.Context) (bool, error)) error {
	var decision RateLimitDecision
	err := a.limiter.WithIPLock(ctx, client.IP, func(ctx context.Context) error {
		var err error
		decision, err = a.limiter.CheckRateLimit(ctx, client.IP)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return nil
		}
		ok, err := attempt(ctx)
		if err != nil {
			return err
		}
		return a.limiter.RecordLoginAttempt(ctx, client.IP, client.UserAgent, ok)
	})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		a.audit.LogSecurityEvent(ctx, model.EventRateLimitExceeded, client.IP, client.UserAgent, map[string]string{
			"action":      action,
			"reason":      decision.Reason,
			"retry_after": strconv.Itoa(int(decision.RetryAfter.Seconds())),
			"new_block":   strconv.FormatBool(decision.Blocked),
		})
		return decision.Err()
	}
	return nil
}
