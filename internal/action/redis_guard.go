package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultGuardTTL = 2 * time.Minute

// releaseScript deletes the key only if this guard still owns it, so an expired
// marker taken over by another replica is never released by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares the in-flight markers between dashboard replicas.
// Markers expire after TTL so a crashed replica cannot block a job forever.
type RedisGuard struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	owner  string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisGuard creates a Redis-backed guard
func NewRedisGuard(rdb *redis.Client, prefix string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	if prefix == "" {
		prefix = "dashboard:retry:"
	}
	return &RedisGuard{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		owner:  uuid.NewString(),
		tokens: make(map[string]string),
	}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	token := g.owner + ":" + uuid.NewString()

	ok, err := g.rdb.SetNX(ctx, g.prefix+key, token, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire retry guard: %w", err)
	}
	if !ok {
		return false, nil
	}

	g.mu.Lock()
	g.tokens[key] = token
	g.mu.Unlock()
	return true, nil
}

// Release drops the marker if this guard still owns it. On failure the token is
// kept so the release can be attempted again; the TTL bounds the worst case.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	token, ok := g.tokens[key]
	g.mu.Unlock()

	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, g.rdb, []string{g.prefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release retry guard: %w", err)
	}

	g.mu.Lock()
	if g.tokens[key] == token {
		delete(g.tokens, key)
	}
	g.mu.Unlock()
	return nil
}
