package auth

import (
	"context"
	"time"

	"tradersdesk/internal/model"
)

// SessionStore persists admin sessions. Lookups return (nil, nil) when the
// row does not exist.
type SessionStore interface {
	// EnsureSessionSecret returns the server-side key used to hash session
	// tokens, generating and persisting one on first use.
	EnsureSessionSecret(ctx context.Context) (string, error)
	CreateSession(ctx context.Context, s *model.AdminSession) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error)
	RevokeSessionByTokenHash(ctx context.Context, tokenHash string) (bool, error)
	RevokeSessionByID(ctx context.Context, id string) (bool, error)
	RevokeAllSessions(ctx context.Context) (int64, error)
	ListActiveSessions(ctx context.Context, now time.Time) ([]model.AdminSession, error)
	PurgeSessions(ctx context.Context, before time.Time) (int64, error)
}

// AttemptStore holds login attempts and IP blocks.
type AttemptStore interface {
	// WithIPLock runs fn while holding an exclusive per-IP lock in the store.
	// Store calls made with the ctx passed to fn take part in the same unit
	// of work.
	WithIPLock(ctx context.Context, ip string, fn func(ctx context.Context) error) error

	InsertLoginAttempt(ctx context.Context, a model.LoginAttempt) error
	CountFailedAttempts(ctx context.Context, ip string, since time.Time) (int, error)
	PruneLoginAttempts(ctx context.Context, before time.Time) (int64, error)

	GetIPBlock(ctx context.Context, ip string) (*model.IPBlock, error)
	UpsertIPBlock(ctx context.Context, b model.IPBlock) error
	ClearIPBlock(ctx context.Context, ip string, now time.Time) (bool, error)
	ListActiveIPBlocks(ctx context.Context, now time.Time) ([]model.IPBlock, error)
}

type AuditStore interface {
	InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error
	ListSecurityEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error)
}

// CredentialStore owns the admin credential and recovery key rows.
type CredentialStore interface {
	GetCredential(ctx context.Context) (*model.AdminCredential, error)
	// InitCredential stores hash only if no credential exists yet.
	InitCredential(ctx context.Context, hash string, now time.Time) (bool, error)
	// RotateCredential replaces the credential and revokes every session in
	// one transaction. When recoveryHash is non-empty the recovery key with
	// that hash is consumed in the same transaction; if it is missing or
	// already used nothing changes and model.ErrRecoveryKeyConsumed is
	// returned. It reports the number of sessions revoked.
	RotateCredential(ctx context.Context, hash, recoveryHash string, now time.Time) (int64, error)

	GetRecoveryKey(ctx context.Context) (*model.RecoveryKey, error)
	InitRecoveryKey(ctx context.Context, hash string, now time.Time) (bool, error)
	SetRecoveryKey(ctx context.Context, hash string, now time.Time) error
}

// Store is everything the access control subsystem persists.
type Store interface {
	SessionStore
	AttemptStore
	AuditStore
	CredentialStore
}
