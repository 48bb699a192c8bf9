// Package cache is the Redis read-through tier in front of the SQLite store.
// Sessions live under per-tier keys with per-tier TTLs: hot sessions expire
// quickly and fall back to SQLite, archived sessions stay cached for days
// because their rows are frozen and safe to serve stale-free.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ctxvault/ctxvault/internal/persistence"
)

var (
	ErrCacheMiss   = errors.New("cache miss")
	ErrCacheClosed = errors.New("cache is closed")
)

// Tier names a cache storage tier. Each tier has its own key namespace and
// TTL so a session can be promoted or demoted without clobbering other tiers.
type Tier string

const (
	TierActive   Tier = "active"
	TierDormant  Tier = "dormant"
	TierArchived Tier = "archived"
)

// TierTTLs carries the per-tier expiry durations.
type TierTTLs struct {
	Active   time.Duration
	Dormant  time.Duration
	Archived time.Duration
}

// DefaultTierTTLs mirrors the access pattern: hot reads for minutes, dormant
// lookups for hours, archived read-only copies for days.
func DefaultTierTTLs() TierTTLs {
	return TierTTLs{
		Active:   15 * time.Minute,
		Dormant:  6 * time.Hour,
		Archived: 7 * 24 * time.Hour,
	}
}

// Config holds Redis connection settings for the session cache.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all cache keys (default: "ctxvault:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
	// TTLs are the per-tier expiry durations.
	TTLs TierTTLs
}

// SessionCache caches session records in Redis, keyed per tier.
type SessionCache struct {
	client *redis.Client
	prefix string
	ttls   TierTTLs
	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and verifies the connection before returning.
func New(cfg Config) (*SessionCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ctxvault:"
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	ttls := cfg.TTLs
	if ttls == (TierTTLs{}) {
		ttls = DefaultTierTTLs()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &SessionCache{client: client, prefix: prefix, ttls: ttls}, nil
}

// NewFromClient wraps an existing client. Useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string, ttls TierTTLs) *SessionCache {
	if prefix == "" {
		prefix = "ctxvault:"
	}
	if ttls == (TierTTLs{}) {
		ttls = DefaultTierTTLs()
	}
	return &SessionCache{client: client, prefix: prefix, ttls: ttls}
}

func (c *SessionCache) tierKey(tier Tier, sessionID string) string {
	return c.prefix + string(tier) + ":" + sessionID
}

func (c *SessionCache) archivedKeyByKey(sessionKey string) string {
	return c.prefix + "archived-by-key:" + sessionKey
}

func (c *SessionCache) tierTTL(tier Tier) time.Duration {
	switch tier {
	case TierDormant:
		return c.ttls.Dormant
	case TierArchived:
		return c.ttls.Archived
	default:
		return c.ttls.Active
	}
}

func (c *SessionCache) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCacheClosed
	}
	return nil
}

// Put stores a session record in the given tier.
func (c *SessionCache) Put(ctx context.Context, tier Tier, rec *persistence.SessionRecord) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.client.Set(ctx, c.tierKey(tier, rec.ID), data, c.tierTTL(tier)).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Get loads a session record from the given tier, or ErrCacheMiss.
func (c *SessionCache) Get(ctx context.Context, tier Tier, sessionID string) (*persistence.SessionRecord, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	data, err := c.client.Get(ctx, c.tierKey(tier, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var rec persistence.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal cached session: %w", err)
	}
	return &rec, nil
}

// PutArchived caches an archived session under both its id and its session
// key, so callers holding either handle can read the frozen copy without
// touching SQLite.
func (c *SessionCache) PutArchived(ctx context.Context, rec *persistence.SessionRecord) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.tierKey(TierArchived, rec.ID), data, c.ttls.Archived)
	pipe.Set(ctx, c.archivedKeyByKey(rec.SessionKey), data, c.ttls.Archived)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache archived session: %w", err)
	}
	return nil
}

// GetArchivedByKey loads an archived session by its caller-facing key.
func (c *SessionCache) GetArchivedByKey(ctx context.Context, sessionKey string) (*persistence.SessionRecord, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	data, err := c.client.Get(ctx, c.archivedKeyByKey(sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get archived: %w", err)
	}
	var rec persistence.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal cached session: %w", err)
	}
	return &rec, nil
}

// Move writes the record into the destination tier and drops the source key
// in one pipeline. Used when a session transitions between tiers.
func (c *SessionCache) Move(ctx context.Context, from, to Tier, rec *persistence.SessionRecord) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.tierKey(to, rec.ID), data, c.tierTTL(to))
	pipe.Del(ctx, c.tierKey(from, rec.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache move %s -> %s: %w", from, to, err)
	}
	return nil
}

// Invalidate drops a session from every tier. Called when the durable row
// changes underneath the cache.
func (c *SessionCache) Invalidate(ctx context.Context, sessionID, sessionKey string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	for _, tier := range []Tier{TierActive, TierDormant, TierArchived} {
		pipe.Del(ctx, c.tierKey(tier, sessionID))
	}
	if sessionKey != "" {
		pipe.Del(ctx, c.archivedKeyByKey(sessionKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (c *SessionCache) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *SessionCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}
