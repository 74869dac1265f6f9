package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrNoCredential       = errors.New("admin credential not provisioned")
	ErrAlreadyProvisioned = errors.New("admin credential already provisioned")
	ErrWeakPassword       = errors.New("password does not meet the strength policy")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrPasswordRequired   = errors.New("password is required")
	ErrRecoveryKeyInvalid = errors.New("recovery key is invalid or already used")
	ErrExternalCredential = errors.New("admin credential is managed by the directory")
	ErrRateLimited        = errors.New("too many failed attempts")
)

// RateLimitError is returned when a source IP is currently blocked.
type RateLimitError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", e.Reason, e.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds up so a client never retries early.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
