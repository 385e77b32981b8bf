package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/config"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

const (
	scanBatchSize = 200
	delBatchSize  = 500
)

// RedisStore is a Store backed by a Redis server.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	stats  counters
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{
		client: client,
		logger: o.logger.With().Str("component", "cache.redis").Logger(),
	}
}

// ConnectRedis dials Redis and pings it up to cfg.MaxRetries times with
// exponential backoff between attempts.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	})

	attempts := max(cfg.MaxRetries, 1)

	var err error
	for i := range attempts {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			logger.Info().Dur("backoff", backoff).Msg("waiting before redis retry")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			}
		}

		err = client.Ping(ctx).Err()
		if err == nil {
			logger.Info().Str("addr", cfg.Addr).Int("attempts_needed", i+1).Msg("redis connected")
			return client, nil
		}

		logger.Warn().Err(err).Int("attempt", i+1).Int("max_retries", attempts).Msg("redis ping failed")
	}

	_ = client.Close()
	return nil, kberr.Wrapf(err, kberr.CodeCacheBackendFailure, "connecting to redis at %s after %d attempts", cfg.Addr, attempts)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.stats.misses.Add(1)
		return nil, false
	}
	if err != nil {
		r.fail(err, "get", key)
		r.stats.misses.Add(1)
		return nil, false
	}
	r.stats.hits.Add(1)
	return val, true
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.fail(err, "set", key)
		return false
	}
	r.stats.sets.Add(1)
	return true
}

func (r *RedisStore) Delete(ctx context.Context, key string) bool {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		r.fail(err, "delete", key)
		return false
	}
	if n > 0 {
		r.stats.deletes.Add(1)
	}
	return n > 0
}

// Clear walks matching keys with SCAN and deletes them in batches.
func (r *RedisStore) Clear(ctx context.Context, pattern string) int {
	if pattern == "" {
		pattern = "*"
	}

	removed := 0
	batch := make([]string, 0, delBatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			r.fail(err, "clear", pattern)
			return false
		}
		removed += int(n)
		batch = batch[:0]
		return true
	}

	iter := r.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= delBatchSize && !flush() {
			return removed
		}
	}
	if err := iter.Err(); err != nil {
		r.fail(err, "scan", pattern)
		return removed
	}
	flush()

	r.stats.deletes.Add(int64(removed))
	return removed
}

func (r *RedisStore) Exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		r.fail(err, "exists", key)
		return false
	}
	return n > 0
}

func (r *RedisStore) Stats(ctx context.Context) map[string]any {
	s := r.stats.snapshot("redis")
	if size, err := r.client.DBSize(ctx).Result(); err == nil {
		s["size"] = size
	} else {
		s["connected"] = false
	}
	return s
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) fail(err error, op, key string) {
	r.stats.errors.Add(1)
	r.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("redis cache operation failed")
}
