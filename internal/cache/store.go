package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Store is a byte-oriented key/value cache with optional per-entry TTL.
//
// Implementations never surface backend failures: Get reports a miss,
// Set and Delete report false, Clear reports zero, and the error is logged.
type Store interface {
	// Get returns the value for key. Expired entries are reported absent.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key. A ttl of zero means the entry never
	// expires by time.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) bool

	// Clear removes every key matching the glob pattern and returns the count.
	Clear(ctx context.Context, pattern string) int

	// Exists reports whether key holds a live entry.
	Exists(ctx context.Context, key string) bool

	// Stats returns backend-specific counters.
	Stats(ctx context.Context) map[string]any

	Close() error
}

// Option configures a Store backend.
type Option func(*options)

type options struct {
	logger zerolog.Logger
	now    func() time.Time
}

func defaultOptions() options {
	return options{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
}

// WithLogger sets the backend logger. The default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces time.Now for TTL bookkeeping in the memory backend.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// counters tracks operation outcomes shared by all backends.
type counters struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

func (c *counters) snapshot(backend string) map[string]any {
	hits, misses := c.hits.Load(), c.misses.Load()
	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return map[string]any{
		"backend":  backend,
		"hits":     hits,
		"misses":   misses,
		"hit_rate": hitRate,
		"sets":     c.sets.Load(),
		"deletes":  c.deletes.Load(),
		"errors":   c.errors.Load(),
	}
}
