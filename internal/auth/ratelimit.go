package auth

import (
	"context"
	"fmt"
	"time"

	"tradersdesk/internal/model"
	"tradersdesk/internal/util"
)

type RateLimitPolicy struct {
	MaxFailedAttempts int
	LookbackWindow    time.Duration
	// BlockTiers are the successive block durations for an IP that keeps
	// failing; the last tier repeats.
	BlockTiers       []time.Duration
	EscalationWindow time.Duration
}

// DefaultRateLimitPolicy is 5 failures in 10 minutes, escalating from 15
// minutes to a day.
var DefaultRateLimitPolicy = RateLimitPolicy{
	MaxFailedAttempts: 5,
	LookbackWindow:    10 * time.Minute,
	BlockTiers:        []time.Duration{15 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour},
	EscalationWindow:  24 * time.Hour,
}

type RateLimitDecision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	// Blocked is set when this check created the block.
	Blocked bool
	Tier    int
}

// Err converts a refusal into a *RateLimitError, nil when allowed.
func (d RateLimitDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Reason: d.Reason, RetryAfter: d.RetryAfter}
}

// RateLimiter is the brute-force guard for the login and reset forms.
//
// Only attempts that reached credential verification are recorded; a
// request refused by an active block is audited but does not count towards
// the next block.
type RateLimiter struct {
	store  AttemptStore
	policy RateLimitPolicy
	now    func() time.Time
}

func NewRateLimiter(store AttemptStore, policy RateLimitPolicy, clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	if len(policy.BlockTiers) == 0 {
		policy.BlockTiers = DefaultRateLimitPolicy.BlockTiers
	}
	return &RateLimiter{store: store, policy: policy, now: clock}
}

// WithIPLock serialises check, verification and recording for one IP so
// concurrent submissions cannot each slip under the threshold.
func (rl *RateLimiter) WithIPLock(ctx context.Context, ip string, fn func(ctx context.Context) error) error {
	return rl.store.WithIPLock(ctx, ip, fn)
}

// CheckRateLimit decides whether ip may attempt a login now, creating or
// escalating a block when the failure threshold has been reached. It does
// not record the attempt itself.
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, ip string) (RateLimitDecision, error) {
	now := rl.now().UTC()

	block, err := rl.store.GetIPBlock(ctx, ip)
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("failed to load ip block: %w", err)
	}
	if block.Active(now) {
		return RateLimitDecision{
			Reason:     block.Reason,
			RetryAfter: block.BlockedUntil.Sub(now),
			Tier:       block.Tier,
		}, nil
	}

	// Failures before the end of the previous block were already paid for.
	since := now.Add(-rl.policy.LookbackWindow)
	if block != nil && block.BlockedUntil.After(since) {
		since = block.BlockedUntil
	}

	failures, err := rl.store.CountFailedAttempts(ctx, ip, since)
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("failed to count login attempts: %w", err)
	}
	if failures < rl.policy.MaxFailedAttempts {
		return RateLimitDecision{Allowed: true}, nil
	}

	tier := 1
	if block != nil && block.Tier > 0 && now.Sub(block.BlockedUntil) <= rl.policy.EscalationWindow {
		tier = min(block.Tier+1, len(rl.policy.BlockTiers))
	}
	duration := rl.policy.BlockTiers[tier-1]

	next := model.IPBlock{
		IPAddress:    ip,
		BlockedUntil: now.Add(duration),
		Reason:       fmt.Sprintf("%d failed login attempts within %s", failures, rl.policy.LookbackWindow),
		Tier:         tier,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if block != nil {
		next.CreatedAt = block.CreatedAt
	}
	if err := rl.store.UpsertIPBlock(ctx, next); err != nil {
		return RateLimitDecision{}, fmt.Errorf("failed to store ip block: %w", err)
	}

	util.Warn("IP blocked after repeated login failures",
		util.String("ip", ip),
		util.Int("failures", failures),
		util.Int("tier", tier),
		util.Duration("duration", duration))

	return RateLimitDecision{
		Reason:     next.Reason,
		RetryAfter: duration,
		Blocked:    true,
		Tier:       tier,
	}, nil
}

// RecordLoginAttempt appends one attempt that reached credential verification.
func (rl *RateLimiter) RecordLoginAttempt(ctx context.Context, ip, userAgent string, success bool) error {
	return rl.store.InsertLoginAttempt(ctx, model.LoginAttempt{
		IPAddress:   ip,
		UserAgent:   userAgent,
		Success:     success,
		AttemptedAt: rl.now().UTC(),
	})
}

// Unblock lifts any block on ip and resets its escalation tier. Failures
// recorded before the unblock no longer count.
func (rl *RateLimiter) Unblock(ctx context.Context, ip string) (bool, error) {
	return rl.store.ClearIPBlock(ctx, ip, rl.now().UTC())
}

func (rl *RateLimiter) ActiveBlocks(ctx context.Context) ([]model.IPBlock, error) {
	return rl.store.ListActiveIPBlocks(ctx, rl.now().UTC())
}

// PruneAttempts drops attempts older than retention. Retention shorter than
// the lookback window would let blocked IPs off early, so it is clamped.
func (rl *RateLimiter) PruneAttempts(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < rl.policy.LookbackWindow {
		retention = rl.policy.LookbackWindow
	}
	return rl.store.PruneLoginAttempts(ctx, rl.now().Add(-retention).UTC())
}
