package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/config"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// Category partitions the cache key space.
type Category string

const (
	CategorySearch     Category = "search"
	CategoryEmbeddings Category = "embeddings"
	CategoryMetadata   Category = "metadata"
	CategoryHistory    Category = "history"
)

// DefaultNamespace prefixes every key written by a Manager.
const DefaultNamespace = "kbsearch"

// DefaultTTLs are the per-category expiries used when none are configured.
func DefaultTTLs() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategorySearch:     time.Hour,
		CategoryEmbeddings: 24 * time.Hour,
		CategoryMetadata:   2 * time.Hour,
		CategoryHistory:    30 * time.Minute,
	}
}

// Manager namespaces keys as "<namespace>:<category>:<key>" over a Store,
// applies category TTLs and bounds every backend call with a timeout.
type Manager struct {
	store     Store
	namespace string
	ttls      map[Category]time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithNamespace(ns string) ManagerOption {
	return func(m *Manager) {
		if ns != "" {
			m.namespace = ns
		}
	}
}

// WithTTL overrides the TTL for one category. Zero disables expiry.
func WithTTL(c Category, ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttls[c] = ttl
	}
}

// WithOpTimeout bounds each backend call. A timed-out read is a miss.
func WithOpTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.With().Str("component", "cache").Logger()
	}
}

// NewManager wraps store. Defaults: namespace "kbsearch", DefaultTTLs, 2s timeout.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		namespace: DefaultNamespace,
		ttls:      DefaultTTLs(),
		timeout:   2 * time.Second,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open builds the backend selected by cfg.Backend and wraps it in a Manager.
func Open(ctx context.Context, cfg config.CacheConfig, logger zerolog.Logger) (*Manager, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Backend {
	case "", "memory":
		store = NewMemoryStore(cfg.MaxSize, WithLogger(logger))
	case "redis":
		client, cerr := ConnectRedis(ctx, cfg.Redis, logger)
		if cerr != nil {
			return nil, cerr
		}
		store = NewRedisStore(client, WithLogger(logger))
	case "badger":
		store, err = OpenBadgerStore(cfg.Badger, WithLogger(logger))
		if err != nil {
			return nil, err
		}
	default:
		return nil, kberr.Errorf(kberr.CodeCacheConfigInvalid, "unknown cache backend %q", cfg.Backend)
	}

	return NewManager(store,
		WithNamespace(cfg.Namespace),
		WithOpTimeout(cfg.OpTimeout),
		WithTTL(CategorySearch, cfg.TTL.Search),
		WithTTL(CategoryEmbeddings, cfg.TTL.Embeddings),
		WithTTL(CategoryMetadata, cfg.TTL.Metadata),
		WithTTL(CategoryHistory, cfg.TTL.History),
		WithManagerLogger(logger),
	), nil
}

// Key returns the fully qualified key for a category entry.
func (m *Manager) Key(c Category, key string) string {
	return m.namespace + ":" + string(c) + ":" + key
}

// TTL returns the configured expiry for a category.
func (m *Manager) TTL(c Category) time.Duration {
	return m.ttls[c]
}

func (m *Manager) Get(ctx context.Context, c Category, key string) ([]byte, bool) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Get(ctx, m.Key(c, key))
}

// Set stores value with the category TTL.
func (m *Manager) Set(ctx context.Context, c Category, key string, value []byte) bool {
	return m.SetWithTTL(ctx, c, key, value, m.ttls[c])
}

func (m *Manager) SetWithTTL(ctx context.Context, c Category, key string, value []byte, ttl time.Duration) bool {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Set(ctx, m.Key(c, key), value, ttl)
}

func (m *Manager) Delete(ctx context.Context, c Category, key string) bool {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Delete(ctx, m.Key(c, key))
}

func (m *Manager) Exists(ctx context.Context, c Category, key string) bool {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Exists(ctx, m.Key(c, key))
}

// GetJSON decodes a cached JSON value into dst. An undecodable entry is
// deleted and reported as a miss.
func (m *Manager) GetJSON(ctx context.Context, c Category, key string, dst any) bool {
	raw, ok := m.Get(ctx, c, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		m.logger.Warn().Err(err).Str("category", string(c)).Msg("dropping undecodable cache entry")
		m.Delete(ctx, c, key)
		return false
	}
	return true
}

// SetJSON encodes v as JSON and stores it with the category TTL.
func (m *Manager) SetJSON(ctx context.Context, c Category, key string, v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn().Err(err).Str("category", string(c)).Msg("cache value not encodable")
		return false
	}
	return m.Set(ctx, c, key, raw)
}

// DocumentKey is the metadata key for a document.
func DocumentKey(documentID string) string {
	return "document:" + documentID
}

// UserKey is a per-user key. The id is hex encoded so it carries no glob
// metacharacters or separators, and InvalidateUser matches it exactly.
func UserKey(userID, suffix string) string {
	return userPrefix(userID) + suffix
}

func userPrefix(userID string) string {
	return "user:" + hex.EncodeToString([]byte(userID)) + ":"
}

// ClearCategory removes every entry in a category.
func (m *Manager) ClearCategory(ctx context.Context, c Category) int {
	return m.clear(ctx, m.pattern(c, "")+"*")
}

// InvalidateDocument drops cached search results, which may reference the
// document, and its metadata entry.
func (m *Manager) InvalidateDocument(ctx context.Context, documentID string) int {
	n := m.ClearCategory(ctx, CategorySearch)
	if m.Delete(ctx, CategoryMetadata, DocumentKey(documentID)) {
		n++
	}
	m.logger.Debug().Str("document_id", documentID).Int("removed", n).Msg("invalidated document caches")
	return n
}

// InvalidateUser drops the history entries stored under UserKey(userID, ...).
func (m *Manager) InvalidateUser(ctx context.Context, userID string) int {
	n := m.clear(ctx, m.pattern(CategoryHistory, userPrefix(userID))+"*")
	m.logger.Debug().Str("user_id", userID).Int("removed", n).Msg("invalidated user caches")
	return n
}

// ClearAll removes everything under the namespace.
func (m *Manager) ClearAll(ctx context.Context) int {
	return m.clear(ctx, escapeGlob(m.namespace)+":*")
}

// pattern returns the glob-escaped key for literal, ready for a trailing
// wildcard.
func (m *Manager) pattern(c Category, literal string) string {
	return escapeGlob(m.Key(c, literal))
}

// escapeGlob backslash-escapes the metacharacters shared by path.Match and
// Redis MATCH.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Stats merges backend counters with the manager settings.
func (m *Manager) Stats(ctx context.Context) map[string]any {
	ctx, cancel := m.bound(ctx)
	defer cancel()

	s := m.store.Stats(ctx)
	ttls := make(map[string]float64, len(m.ttls))
	for c, ttl := range m.ttls {
		ttls[string(c)] = ttl.Seconds()
	}
	s["namespace"] = m.namespace
	s["ttl_seconds"] = ttls
	return s
}

func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) clear(ctx context.Context, pattern string) int {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Clear(ctx, pattern)
}

func (m *Manager) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}
