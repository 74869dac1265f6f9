package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradersdesk/internal/database/memory"
	"tradersdesk/internal/model"
)

const testPassword = "correct horse battery staple"

// testHasher is cheap enough to call in every test.
var testHasher = NewHasher(Argon2Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
})

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store    *memory.Store
	clock    *fakeClock
	sessions *SessionManager
	limiter  *RateLimiter
	audit    *AuditLog
	accounts *AccountService
	authn    *Authenticator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, memory.New())
}

// newTestEnvWithStore provisions testPassword and wires every component over
// store, with audit events going to audit when given.
func newTestEnvWithStore(t *testing.T, store *memory.Store, audit ...AuditStore) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()

	hash, err := testHasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := Provision(ctx, store, testHasher, hash, "", clock.Now()); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	sessions, err := NewSessionManager(ctx, store, SessionOptions{Clock: clock.Now})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	var auditStore AuditStore = store
	if len(audit) > 0 {
		auditStore = audit[0]
	}
	auditLog := NewAuditLog(auditStore, clock.Now)
	limiter := NewRateLimiter(store, DefaultRateLimitPolicy, clock.Now)
	verifier := NewStoreVerifier(store, testHasher)
	accounts := NewAccountService(store, testHasher, verifier, sessions, auditLog, AccountOptions{Clock: clock.Now})

	return &testEnv{
		store:    store,
		clock:    clock,
		sessions: sessions,
		limiter:  limiter,
		audit:    auditLog,
		accounts: accounts,
		authn:    NewAuthenticator(limiter, verifier, sessions, accounts, auditLog),
	}
}

func (e *testEnv) events(t *testing.T) []model.SecurityEvent {
	t.Helper()
	events, err := e.store.ListSecurityEvents(context.Background(), 500)
	if err != nil {
		t.Fatalf("ListSecurityEvents: %v", err)
	}
	return events
}

func eventsOfKind(events []model.SecurityEvent, kind model.EventKind) []model.SecurityEvent {
	var out []model.SecurityEvent
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
