package auth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"tradersdesk/internal/model"
	"tradersdesk/internal/util"
)

const (
	DefaultMinPasswordLength = 12
	maxPasswordLength        = 256
	recoveryKeyBytes         = 32
)

// PasswordPolicyError explains why a new password was refused.
type PasswordPolicyError struct {
	Reason string
}

func (e *PasswordPolicyError) Error() string { return e.Reason }
func (e *PasswordPolicyError) Unwrap() error { return ErrWeakPassword }

// CheckNewPassword applies the strength policy and the confirmation match.
func CheckNewPassword(password, confirm string, minLength int) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	n := utf8.RuneCountInString(password)
	if n < minLength {
		return &PasswordPolicyError{Reason: fmt.Sprintf("password must be at least %d characters", minLength)}
	}
	if n > maxPasswordLength {
		return &PasswordPolicyError{Reason: fmt.Sprintf("password must be at most %d characters", maxPasswordLength)}
	}
	if strings.TrimFunc(password, unicode.IsSpace) == "" {
		return &PasswordPolicyError{Reason: "password must not be blank"}
	}
	return nil
}

type AccountOptions struct {
	MinPasswordLength int
	// External is set when the credential lives in a directory and cannot
	// be changed from here.
	External bool
	Clock    func() time.Time
}

// AccountService changes, resets and provisions the admin credential.
type AccountService struct {
	store     CredentialStore
	hasher    *Hasher
	verifier  CredentialVerifier
	sessions  *SessionManager
	audit     *AuditLog
	minLength int
	external  bool
	now       func() time.Time
}

func NewAccountService(store CredentialStore, hasher *Hasher, verifier CredentialVerifier, sessions *SessionManager, audit *AuditLog, opts AccountOptions) *AccountService {
	if opts.MinPasswordLength <= 0 {
		opts.MinPasswordLength = DefaultMinPasswordLength
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &AccountService{
		store:     store,
		hasher:    hasher,
		verifier:  verifier,
		sessions:  sessions,
		audit:     audit,
		minLength: opts.MinPasswordLength,
		external:  opts.External,
		now:       opts.Clock,
	}
}

func (s *AccountService) MinPasswordLength() int { return s.minLength }

// External reports whether the credential is owned by a directory.
func (s *AccountService) External() bool { return s.external }

// ChangePassword verifies current, stores a hash of next and revokes every
// session, including the caller's. The new hash is returned so operators can
// mirror it into configuration.
func (s *AccountService) ChangePassword(ctx context.Context, client Client, current, next, confirm string) (string, error) {
	if s.external {
		return "", ErrExternalCredential
	}
	if current == "" {
		return "", ErrPasswordRequired
	}
	if err := CheckNewPassword(next, confirm, s.minLength); err != nil {
		return "", err
	}
	if !s.verifier.Verify(ctx, current) {
		return "", ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return "", err
	}
	revoked, err := s.store.RotateCredential(ctx, hash, "", s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to store new credential: %w", err)
	}
	_ = s.sessions.InvalidateCache(ctx)

	s.audit.LogSecurityEvent(ctx, model.EventPasswordChanged, client.IP, client.UserAgent, map[string]string{
		"sessions_revoked": fmt.Sprint(revoked),
	})
	return hash, nil
}

// ResetPasswordWithRecoveryKey replaces the credential when key matches the
// stored recovery key. The key is consumed; a new one must be generated
// before the next reset.
func (s *AccountService) ResetPasswordWithRecoveryKey(ctx context.Context, client Client, key, next, confirm string) (string, error) {
	if s.external {
		return "", ErrExternalCredential
	}
	key = NormalizeRecoveryKey(key)
	if key == "" {
		return "", ErrRecoveryKeyInvalid
	}
	if err := CheckNewPassword(next, confirm, s.minLength); err != nil {
		return "", err
	}

	stored, err := s.store.GetRecoveryKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load recovery key: %w", err)
	}
	if !stored.Usable() {
		return "", ErrRecoveryKeyInvalid
	}
	if err := s.hasher.Verify(key, stored.Hash); err != nil {
		if !errors.Is(err, ErrMismatch) {
			util.Error("Stored recovery key hash could not be verified", util.ErrorField(err))
		}
		return "", ErrRecoveryKeyInvalid
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return "", err
	}
	revoked, err := s.store.RotateCredential(ctx, hash, stored.Hash, s.now().UTC())
	if errors.Is(err, model.ErrRecoveryKeyConsumed) {
		return "", ErrRecoveryKeyInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to store new credential: %w", err)
	}
	_ = s.sessions.InvalidateCache(ctx)

	s.audit.LogSecurityEvent(ctx, model.EventPasswordReset, client.IP, client.UserAgent, map[string]string{
		"sessions_revoked": fmt.Sprint(revoked),
	})
	return hash, nil
}

// IssueRecoveryKey generates a key, stores its hash (replacing any previous
// key) and returns the plaintext key for one-time display.
func (s *AccountService) IssueRecoveryKey(ctx context.Context, client Client) (string, string, error) {
	if s.external {
		return "", "", ErrExternalCredential
	}
	key, hash, err := GenerateRecoveryKey(s.hasher)
	if err != nil {
		return "", "", err
	}
	if err := s.store.SetRecoveryKey(ctx, hash, s.now().UTC()); err != nil {
		return "", "", fmt.Errorf("failed to store recovery key: %w", err)
	}
	s.audit.LogSecurityEvent(ctx, model.EventRecoveryKeyGenerated, client.IP, client.UserAgent, nil)
	return key, hash, nil
}

// NeedsSetup reports whether no credential has been provisioned yet.
func (s *AccountService) NeedsSetup(ctx context.Context) (bool, error) {
	if s.external {
		return false, nil
	}
	cred, err := s.store.GetCredential(ctx)
	if err != nil {
		return false, err
	}
	return cred == nil, nil
}

// Setup provisions the first credential. It loses cleanly to a concurrent
// setup or to configuration seeding.
func (s *AccountService) Setup(ctx context.Context, client Client, password, confirm string) error {
	if s.external {
		return ErrExternalCredential
	}
	if err := CheckNewPassword(password, confirm, s.minLength); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	created, err := s.store.InitCredential(ctx, hash, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	if !created {
		return ErrAlreadyProvisioned
	}
	s.audit.LogSecurityEvent(ctx, model.EventSetupCompleted, client.IP, client.UserAgent, nil)
	return nil
}

// GenerateRecoveryKey returns a new 256-bit key, formatted for humans, and
// its hash. Nothing is persisted.
func GenerateRecoveryKey(hasher *Hasher) (string, string, error) {
	b := make([]byte, recoveryKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate recovery key: %w", err)
	}
	raw := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)

	var sb strings.Builder
	for i := 0; i < len(raw); i += 4 {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(raw[i:min(i+4, len(raw))])
	}

	hash, err := hasher.Hash(raw)
	if err != nil {
		return "", "", err
	}
	return sb.String(), hash, nil
}

// NormalizeRecoveryKey strips separators and whitespace and upper-cases the
// key so that however the admin copied it, it hashes the same.
func NormalizeRecoveryKey(key string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, key)
}
