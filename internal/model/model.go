package model

import (
	"errors"
	"time"
)

// ErrRecoveryKeyConsumed is returned by stores when a recovery key was used
// or replaced concurrently.
var ErrRecoveryKeyConsumed = errors.New("recovery key already consumed")

// AdminSession is one authenticated browser session. Only the keyed hash of
// the cookie token is ever stored.
type AdminSession struct {
	ID        string
	TokenHash string
	CSRFToken string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Valid reports whether the session may still authenticate requests at now.
func (s *AdminSession) Valid(now time.Time) bool {
	return s != nil && !s.Revoked && now.Before(s.ExpiresAt)
}

type LoginAttempt struct {
	ID          int64
	IPAddress   string
	UserAgent   string
	Success     bool
	AttemptedAt time.Time
}

// IPBlock is the block state for a single address. A row outliving its
// BlockedUntil is kept so the next block can escalate a tier.
type IPBlock struct {
	IPAddress    string
	BlockedUntil time.Time
	Reason       string
	Tier         int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (b *IPBlock) Active(now time.Time) bool {
	return b != nil && now.Before(b.BlockedUntil)
}

type EventKind string

const (
	EventLoginSuccess         EventKind = "login_success"
	EventLoginFailed          EventKind = "login_failed"
	EventLogout               EventKind = "logout"
	EventSessionRevoked       EventKind = "session_revoked"
	EventRateLimitExceeded    EventKind = "rate_limit_exceeded"
	EventIPUnblocked          EventKind = "ip_unblocked"
	EventPasswordChanged      EventKind = "password_changed"
	EventPasswordReset        EventKind = "password_reset"
	EventRecoveryKeyGenerated EventKind = "recovery_key_generated"
	EventSetupCompleted       EventKind = "setup_completed"
)

type SecurityEvent struct {
	ID        int64
	Kind      EventKind
	IPAddress string
	UserAgent string
	Metadata  map[string]string
	CreatedAt time.Time
}

// AdminCredential is the single live admin password hash.
type AdminCredential struct {
	Hash      string
	UpdatedAt time.Time
}

type RecoveryKey struct {
	Hash       string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

func (k *RecoveryKey) Usable() bool {
	return k != nil && k.Hash != "" && k.ConsumedAt == nil
}
