// Package cache holds the Redis-backed session validity cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradersdesk/internal/config"
	"tradersdesk/internal/model"
	"tradersdesk/internal/util"
)

const (
	generationKey = "tradersdesk:sessions:gen"
	sessionPrefix = "tradersdesk:sessions:"
	opTimeout     = 2 * time.Second
)

// NewRedisClient parses cfg.URL (redis:// or rediss://) and checks the
// server is reachable.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	util.Info("Connected to Redis", util.String("addr", opts.Addr), util.Int("db", opts.DB))
	return client, nil
}

// SessionCache implements auth.SessionCache. Entries are keyed by
// generation and token hash; bumping the generation orphans every entry,
// which then ages out on its TTL.
type SessionCache struct {
	client redis.UniversalClient
}

func NewSessionCache(client redis.UniversalClient) *SessionCache {
	return &SessionCache{client: client}
}

type entry struct {
	ID        string    `json:"id"`
	CSRFToken string    `json:"csrf"`
	IPAddress string    `json:"ip"`
	UserAgent string    `json:"ua"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func sessionKey(gen int64, tokenHash string) string {
	return fmt.Sprintf("%s%d:%s", sessionPrefix, gen, tokenHash)
}

func (c *SessionCache) Generation(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session generation: %w", err)
	}
	return gen, nil
}

// Get returns (nil, nil) on a miss.
func (c *SessionCache) Get(ctx context.Context, gen int64, tokenHash string) (*model.AdminSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := c.client.Get(ctx, sessionKey(gen, tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached session: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cached session: %w", err)
	}
	return &model.AdminSession{
		ID:        e.ID,
		TokenHash: tokenHash,
		CSRFToken: e.CSRFToken,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}, nil
}

func (c *SessionCache) Put(ctx context.Context, gen int64, s *model.AdminSession, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry{
		ID:        s.ID,
		CSRFToken: s.CSRFToken,
		IPAddress: s.IPAddress,
		UserAgent: s.UserAgent,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, sessionKey(gen, s.TokenHash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

func (c *SessionCache) Invalidate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	gen, err := c.client.Incr(ctx, generationKey).Result()
	if err != nil {
		return fmt.Errorf("failed to bump session generation: %w", err)
	}
	util.Debug("Session cache invalidated", util.Int("generation", int(gen)))
	return nil
}
