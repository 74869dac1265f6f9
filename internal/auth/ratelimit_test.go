package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func recordFailures(t *testing.T, rl *RateLimiter, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := rl.RecordLoginAttempt(context.Background(), ip, "test", false); err != nil {
			t.Fatalf("RecordLoginAttempt: %v", err)
		}
	}
}

func TestCheckRateLimitBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	recordFailures(t, env.limiter, "198.51.100.7", DefaultRateLimitPolicy.MaxFailedAttempts-1)

	d, err := env.limiter.CheckRateLimit(ctx, "198.51.100.7")
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed below threshold, got %+v", d)
	}
	if d.Err() != nil {
		t.Fatalf("allowed decision must not produce an error")
	}
}

func TestCheckRateLimitBlocksAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ip := "198.51.100.7"

	recordFailures(t, env.limiter, ip, DefaultRateLimitPolicy.MaxFailedAttempts)

	d, err := env.limiter.CheckRateLimit(ctx, ip)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if d.Allowed || !d.Blocked {
		t.Fatalf("expected a new block, got %+v", d)
	}
	if d.Tier != 1 || d.RetryAfter != 15*time.Minute {
		t.Fatalf("expected tier 1 for 15m, got tier %d for %s", d.Tier, d.RetryAfter)
	}

	var rle *RateLimitError
	if !errors.As(d.Err(), &rle) {
		t.Fatalf("expected *RateLimitError, got %v", d.Err())
	}
	if !errors.Is(d.Err(), ErrRateLimited) {
		t.Fatal("RateLimitError should match ErrRateLimited")
	}

	env.clock.Advance(5 * time.Minute)
	d, err = env.limiter.CheckRateLimit(ctx, ip)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if d.Allowed || d.Blocked {
		t.Fatalf("expected existing block to be reported, got %+v", d)
	}
	if d.RetryAfter != 10*time.Minute {
		t.Fatalf("expected 10m remaining, got %s", d.RetryAfter)
	}

	// Other addresses are unaffected.
	d, err = env.limiter.CheckRateLimit(ctx, "198.51.100.8")
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !d.Allowed {
		t.Fatal("block must be per IP")
	}
}

func TestCheckRateLimitIgnoresFailuresOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	ip := "198.51.100.7"

	recordFailures(t, env.limiter, ip, 4)
	env.clock.Advance(11 * time.Minute)
	recordFailures(t, env.limiter, ip, 1)

	d, err := env.limiter.CheckRateLimit(context.Background(), ip)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("old failures should have aged out, got %+v", d)
	}
}

func TestCheckRateLimitEscalatesTiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ip := "198.51.100.7"

	block := func() RateLimitDecision {
		t.Helper()
		recordFailures(t, env.limiter, ip, 5)
		d, err := env.limiter.CheckRateLimit(ctx, ip)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !d.Blocked {
			t.Fatalf("expected a new block, got %+v", d)
		}
		return d
	}

	if d := block(); d.Tier != 1 || d.RetryAfter != 15*time.Minute {
		t.Fatalf("first block: tier %d for %s", d.Tier, d.RetryAfter)
	}

	env.clock.Advance(15*time.Minute + time.Second)
	d, err := env.limiter.CheckRateLimit(ctx, ip)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("failures before the block ended must not re-block, got %+v", d)
	}

	if d := block(); d.Tier != 2 || d.RetryAfter != time.Hour {
		t.Fatalf("second block: tier %d for %s", d.Tier, d.RetryAfter)
	}

	env.clock.Advance(time.Hour + time.Second)
	if d := block(); d.Tier != 3 || d.RetryAfter != 6*time.Hour {
		t.Fatalf("third block: tier %d for %s", d.Tier, d.RetryAfter)
	}

	// A quiet day resets escalation.
	env.clock.Advance(6*time.Hour + 25*time.Hour)
	if d := block(); d.Tier != 1 || d.RetryAfter != 15*time.Minute {
		t.Fatalf("block after a quiet day: tier %d for %s", d.Tier, d.RetryAfter)
	}
}

func TestCheckRateLimitLastTierRepeats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ip := "198.51.100.7"

	var last RateLimitDecision
	for i := 0; i < 6; i++ {
		recordFailures(t, env.limiter, ip, 5)
		d, err := env.limiter.CheckRateLimit(ctx, ip)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		last = d
		env.clock.Advance(d.RetryAfter + time.Second)
	}
	if last.Tier != len(DefaultRateLimitPolicy.BlockTiers) || last.RetryAfter != 24*time.Hour {
		t.Fatalf("expected the last tier to repeat, got tier %d for %s", last.Tier, last.RetryAfter)
	}
}

func TestUnblock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ip := "198.51.100.7"

	found, err := env.limiter.Unblock(ctx, ip)
	if err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if found {
		t.Fatal("unblocking an unknown address should report false")
	}

	recordFailures(t, env.limiter, ip, 5)
	if _, err := env.limiter.CheckRateLimit(ctx, ip); err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	blocks, err := env.limiter.ActiveBlocks(ctx)
	if err != nil {
		t.Fatalf("ActiveBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].IPAddress != ip {
		t.Fatalf("expected one active block for %s, got %+v", ip, blocks)
	}

	found, err = env.limiter.Unblock(ctx, ip)
	if err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if !found {
		t.Fatal("expected active block to be cleared")
	}

	env.clock.Advance(time.Second)
	d, err := env.limiter.CheckRateLimit(ctx, ip)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed after unblock, got %+v", d)
	}

	blocks, err = env.limiter.ActiveBlocks(ctx)
	if err != nil {
		t.Fatalf("ActiveBlocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected no active blocks, got %+v", blocks)
	}

	// Escalation starts over.
	recordFailures(t, env.limiter, ip, 5)
	d, err = env.limiter.CheckRateLimit(ctx, ip)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if d.Tier != 1 {
		t.Fatalf("expected tier reset after unblock, got %d", d.Tier)
	}
}

func TestPruneAttemptsClampsToWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	recordFailures(t, env.limiter, "198.51.100.7", 2)
	env.clock.Advance(5 * time.Minute)
	recordFailures(t, env.limiter, "198.51.100.7", 1)

	n, err := env.limiter.PruneAttempts(ctx, time.Minute)
	if err != nil {
		t.Fatalf("PruneAttempts: %v", err)
	}
	if n != 0 {
		t.Fatalf("attempts inside the lookback window must survive pruning, pruned %d", n)
	}

	env.clock.Advance(8 * time.Minute)
	n, err = env.limiter.PruneAttempts(ctx, time.Minute)
	if err != nil {
		t.Fatalf("PruneAttempts: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
}

func TestLoginBruteForceScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := Client{IP: "203.0.113.5", UserAgent: "curl/8.0"}

	for i := 0; i < 5; i++ {
		_, _, err := env.authn.Login(ctx, client, "wrong password")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
		env.clock.Advance(time.Minute)
	}

	// The sixth attempt is refused before the password is looked at.
	_, _, err := env.authn.Login(ctx, client, testPassword)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitError, got %v", err)
	}
	if rle.RetryAfterSeconds() <= 0 {
		t.Fatalf("expected positive retry-after, got %d", rle.RetryAfterSeconds())
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("rate limiting must be distinguishable from bad credentials")
	}

	attempts := env.store.Attempts()
	if len(attempts) != 5 {
		t.Fatalf("blocked attempts must not be recorded; have %d attempts", len(attempts))
	}

	env.clock.Advance(rle.RetryAfter + time.Second)
	token, session, err := env.authn.Login(ctx, client, testPassword)
	if err != nil {
		t.Fatalf("Login after block expiry: %v", err)
	}
	if token == "" || session == nil {
		t.Fatal("expected a new session")
	}
	if _, err := env.sessions.ValidateSession(ctx, token); err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}

	events := env.events(t)
	if n := len(eventsOfKind(events, "login_failed")); n != 5 {
		t.Fatalf("expected 5 login_failed events, got %d", n)
	}
	if n := len(eventsOfKind(events, "rate_limit_exceeded")); n != 1 {
		t.Fatalf("expected 1 rate_limit_exceeded event, got %d", n)
	}
}

func TestLoginConcurrentFailuresCannotExceedThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := Client{IP: "203.0.113.9", UserAgent: "bot"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = env.authn.Login(ctx, client, "wrong password")
		}()
	}
	wg.Wait()

	if n := len(env.store.Attempts()); n != DefaultRateLimitPolicy.MaxFailedAttempts {
		t.Fatalf("expected exactly %d verified attempts, got %d", DefaultRateLimitPolicy.MaxFailedAttempts, n)
	}
}
