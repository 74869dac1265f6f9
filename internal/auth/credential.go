package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradersdesk/internal/util"
)

// CredentialVerifier decides whether a submitted password is the admin
// password. Implementations fail closed: any internal error is a mismatch.
type CredentialVerifier interface {
	Verify(ctx context.Context, password string) bool
}

// StoreVerifier checks passwords against the credential row in the store.
type StoreVerifier struct {
	store  CredentialStore
	hasher *Hasher
}

func NewStoreVerifier(store CredentialStore, hasher *Hasher) *StoreVerifier {
	return &StoreVerifier{store: store, hasher: hasher}
}

func (v *StoreVerifier) Verify(ctx context.Context, password string) bool {
	if password == "" {
		return false
	}
	cred, err := v.store.GetCredential(ctx)
	if err != nil {
		util.Error("Failed to load admin credential", util.ErrorField(err))
		return false
	}
	if cred == nil || cred.Hash == "" {
		util.Warn("Login attempted but no admin credential is provisioned")
		return false
	}

	err = v.hasher.Verify(password, cred.Hash)
	if err != nil {
		if !errors.Is(err, ErrMismatch) {
			util.Error("Stored admin credential could not be verified", util.ErrorField(err))
		}
		return false
	}
	if v.hasher.NeedsRehash(cred.Hash) {
		util.Warn("Admin credential uses outdated hash parameters; change the password to upgrade it")
	}
	return true
}

// Provision seeds the store with the configured credential and recovery key
// hashes. Existing rows always win over configuration.
func Provision(ctx context.Context, store CredentialStore, hasher *Hasher, passwordHash, recoveryHash string, now time.Time) error {
	if passwordHash != "" {
		if err := hasher.Validate(passwordHash); err != nil {
			return fmt.Errorf("admin.password_hash: %w", err)
		}
		created, err := store.InitCredential(ctx, passwordHash, now)
		if err != nil {
			return fmt.Errorf("failed to seed admin credential: %w", err)
		}
		if created {
			util.Info("Admin credential seeded from configuration")
		}
	}

	if recoveryHash != "" {
		if err := hasher.Validate(recoveryHash); err != nil {
			return fmt.Errorf("admin.recovery_key_hash: %w", err)
		}
		created, err := store.InitRecoveryKey(ctx, recoveryHash, now)
		if err != nil {
			return fmt.Errorf("failed to seed recovery key: %w", err)
		}
		if created {
			util.Info("Recovery key hash seeded from configuration")
		}
	}
	return nil
}
