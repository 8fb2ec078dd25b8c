package substituter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InfoCache remembers narinfo lookups. An empty text is a negative entry:
// the cache answered that it does not have the path.
type InfoCache interface {
	Get(ctx context.Context, key string) (text string, hit bool, err error)
	Put(ctx context.Context, key, text string, ttl time.Duration) error
}

// MemoryInfoCache is a process-local InfoCache.
type MemoryInfoCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	text      string
	expiresAt time.Time
	hasExpiry bool
}

func NewMemoryInfoCache() *MemoryInfoCache {
	return &MemoryInfoCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *MemoryInfoCache) Get(_ context.Context, key string) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if entry.hasExpiry && c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.text, true, nil
}

func (c *MemoryInfoCache) Put(_ context.Context, key, text string, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{text: text}
	if ttl > 0 {
		entry.hasExpiry = true
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// negativeMarker stands for an empty text in redis, where a missing key
// already means "not cached".
const negativeMarker = "-"

// RedisInfoCache shares narinfo lookups between processes through redis.
type RedisInfoCache struct {
	client *redis.Client
	prefix string
}

// NewRedisInfoCache connects lazily to the redis server at addr.
func NewRedisInfoCache(addr, password string, db int) (*RedisInfoCache, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisInfoCache{client: client, prefix: "storeweaver:narinfo:"}, nil
}

func (c *RedisInfoCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if v == negativeMarker {
		return "", true, nil
	}
	return v, true, nil
}

func (c *RedisInfoCache) Put(ctx context.Context, key, text string, ttl time.Duration) error {
	if text == "" {
		text = negativeMarker
	}
	return c.client.Set(ctx, c.prefix+key, text, ttl).Err()
}

// Ping checks that the server is reachable.
func (c *RedisInfoCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisInfoCache) Close() error { return c.client.Close() }

var (
	_ InfoCache = (*MemoryInfoCache)(nil)
	_ InfoCache = (*RedisInfoCache)(nil)
)
