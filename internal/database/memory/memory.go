// Package memory is an in-process store for development and tests. It keeps
// the same semantics as the Postgres store, including per-IP locking, but
// nothing survives a restart.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradersdesk/internal/model"
)

type Store struct {
	mu sync.Mutex

	secret   string
	sessions map[string]*model.AdminSession // by token hash
	attempts []model.LoginAttempt
	blocks   map[string]model.IPBlock
	events   []model.SecurityEvent
	cred     *model.AdminCredential
	recovery *model.RecoveryKey

	nextAttemptID int64
	nextEventID   int64

	ipLocks sync.Map // ip -> *sync.Mutex
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*model.AdminSession),
		blocks:   make(map[string]model.IPBlock),
	}
}

func (s *Store) EnsureSessionSecret(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret == "" {
		b := make([]byte, 64)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate session secret: %w", err)
		}
		s.secret = hex.EncodeToString(b)
	}
	return s.secret, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *model.AdminSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.TokenHash]; ok {
		return fmt.Errorf("duplicate session token")
	}
	c := *sess
	s.sessions[sess.TokenHash] = &c
	return nil
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.AdminSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return nil, nil
	}
	c := *sess
	return &c, nil
}

func (s *Store) RevokeSessionByTokenHash(ctx context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok || sess.Revoked {
		return false, nil
	}
	sess.Revoked = true
	return true, nil
}

func (s *Store) RevokeSessionByID(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == id && !sess.Revoked {
			sess.Revoked = true
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RevokeAllSessions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeAllLocked(), nil
}

func (s *Store) revokeAllLocked() int64 {
	var n int64
	for _, sess := range s.sessions {
		if !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n
}

func (s *Store) ListActiveSessions(ctx context.Context, now time.Time) ([]model.AdminSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AdminSession
	for _, sess := range s.sessions {
		if sess.Valid(now) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) || (sess.Revoked && sess.CreatedAt.Before(before)) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

// WithIPLock serialises fn against other callers for the same ip. Unlike
// the Postgres store there is no rollback: writes made by fn stick even if
// it fails.
func (s *Store) WithIPLock(ctx context.Context, ip string, fn func(ctx context.Context) error) error {
	v, _ := s.ipLocks.LoadOrStore(ip, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func (s *Store) InsertLoginAttempt(ctx context.Context, a model.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAttemptID++
	a.ID = s.nextAttemptID
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) CountFailedAttempts(ctx context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.IPAddress == ip && !a.Success && a.AttemptedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.attempts[:0]
	var n int64
	for _, a := range s.attempts {
		if a.AttemptedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	s.attempts = kept
	return n, nil
}

// Attempts returns a copy of every recorded login attempt.
func (s *Store) Attempts() []model.LoginAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LoginAttempt(nil), s.attempts...)
}

func (s *Store) GetIPBlock(ctx context.Context, ip string) (*model.IPBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[ip]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Store) UpsertIPBlock(ctx context.Context, b model.IPBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.blocks[b.IPAddress]; ok {
		b.CreatedAt = prev.CreatedAt
	}
	s.blocks[b.IPAddress] = b
	return nil
}

func (s *Store) ClearIPBlock(ctx context.Context, ip string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[ip]
	if !ok || !b.Active(now) {
		return false, nil
	}
	b.BlockedUntil = now
	b.Tier = 0
	b.UpdatedAt = now
	s.blocks[ip] = b
	return true, nil
}

func (s *Store) ListActiveIPBlocks(ctx context.Context, now time.Time) ([]model.IPBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.IPBlock
	for _, b := range s.blocks {
		if b.Active(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedUntil.After(out[j].BlockedUntil) })
	return out, nil
}

func (s *Store) InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	e.ID = s.nextEventID
	if e.Metadata != nil {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	s.events = append(s.events, e)
	return nil
}

func (s *Store) ListSecurityEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SecurityEvent, 0, min(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	// Insertion order breaks ties, as the id does in Postgres.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context) (*model.AdminCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *Store) InitCredential(ctx context.Context, hash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred != nil {
		return false, nil
	}
	s.cred = &model.AdminCredential{Hash: hash, UpdatedAt: now}
	return true, nil
}

func (s *Store) RotateCredential(ctx context.Context, hash, recoveryHash string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recoveryHash != "" {
		if !s.recovery.Usable() || s.recovery.Hash != recoveryHash {
			return 0, model.ErrRecoveryKeyConsumed
		}
		consumed := now
		s.recovery.ConsumedAt = &consumed
	}
	s.cred = &model.AdminCredential{Hash: hash, UpdatedAt: now}
	return s.revokeAllLocked(), nil
}

func (s *Store) GetRecoveryKey(ctx context.Context) (*model.RecoveryKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovery == nil {
		return nil, nil
	}
	k := *s.recovery
	if k.ConsumedAt != nil {
		t := *k.ConsumedAt
		k.ConsumedAt = &t
	}
	return &k, nil
}

func (s *Store) InitRecoveryKey(ctx context.Context, hash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovery != nil {
		return false, nil
	}
	s.recovery = &model.RecoveryKey{Hash: hash, CreatedAt: now}
	return true, nil
}

func (s *Store) SetRecoveryKey(ctx context.Context, hash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovery = &model.RecoveryKey{Hash: hash, CreatedAt: now}
	return nil
}
