package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs rate-limit counters with Redis `INCR`/`EXPIRE` so
// multiple ARW instances sharing an admin surface agree on a key's count
// within its window, following registry/cmd/registry/main.go's
// `redis.NewClient` connection pattern generalized from a Pulse-backed
// registry connection to a plain fixed-window counter.
type RedisStore struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedisStore wraps an existing Redis client. cfg.Window bounds the key
// TTL; cfg.Max is the count at which Allow starts refusing.
func NewRedisStore(client *redis.Client, cfg Config, prefix string) *RedisStore {
	if cfg.Max <= 0 {
		cfg = DefaultConfig()
	}
	if prefix == "" {
		prefix = "arw:ratelimit:"
	}
	return &RedisStore{client: client, cfg: cfg, prefix: prefix}
}

// Allow increments the fixed-window counter for (key, identity) and
// reports whether the count is still within cfg.Max. The key's TTL is set
// on first increment in each window.
func (s *RedisStore) Allow(ctx context.Context, key Key, identity string) (bool, error) {
	fullKey := s.prefix + bucketKey(key, identity)
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, s.cfg.Window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(s.cfg.Max), nil
}

// Reset clears a key's counter immediately, used by tests and admin
// overrides.
func (s *RedisStore) Reset(ctx context.Context, key Key, identity string) error {
	return s.client.Del(ctx, s.prefix+bucketKey(key, identity)).Err()
}
