package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"
)

// DefaultMaxSize bounds a MemoryStore created with a non-positive size.
const DefaultMaxSize = 1000

type memoryEntry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time // zero: no expiry
	elem      *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a bounded in-process cache. At capacity it evicts the
// oldest inserted key (FIFO); overwriting a key keeps its position.
// Expired entries are removed lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*memoryEntry
	order   *list.List // front = oldest insertion
	maxSize int
	opts    options
	stats   counters

	evictions int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore holding at most maxSize entries.
func NewMemoryStore(maxSize int, opts ...Option) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		items:   make(map[string]*memoryEntry, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		opts:    o,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		m.stats.misses.Add(1)
		return nil, false
	}
	if e.expired(m.opts.now()) {
		m.removeLocked(e)
		m.stats.misses.Add(1)
		return nil, false
	}

	m.stats.hits.Add(1)
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) bool {
	now := m.opts.now()
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok {
		e.value = stored
		e.createdAt = now
		e.expiresAt = expiresAt
		m.stats.sets.Add(1)
		return true
	}

	for len(m.items) >= m.maxSize {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest.Value.(*memoryEntry))
		m.evictions++
	}

	e := &memoryEntry{key: key, value: stored, createdAt: now, expiresAt: expiresAt}
	e.elem = m.order.PushBack(e)
	m.items[key] = e
	m.stats.sets.Add(1)
	return true
}

func (m *MemoryStore) Delete(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeLocked(e)
	m.stats.deletes.Add(1)
	return true
}

// Clear removes keys matching a path.Match glob. An empty pattern or "*"
// removes everything.
func (m *MemoryStore) Clear(_ context.Context, pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pattern == "" || pattern == "*" {
		n := len(m.items)
		m.items = make(map[string]*memoryEntry, m.maxSize)
		m.order.Init()
		m.stats.deletes.Add(int64(n))
		return n
	}

	removed := 0
	for key, e := range m.items {
		matched, err := path.Match(pattern, key)
		if err != nil {
			m.stats.errors.Add(1)
			m.opts.logger.Warn().Err(err).Str("pattern", pattern).Msg("invalid cache clear pattern")
			return 0
		}
		if matched {
			m.removeLocked(e)
			removed++
		}
	}
	m.stats.deletes.Add(int64(removed))
	return removed
}

func (m *MemoryStore) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return false
	}
	if e.expired(m.opts.now()) {
		m.removeLocked(e)
		return false
	}
	return true
}

func (m *MemoryStore) Stats(_ context.Context) map[string]any {
	m.mu.Lock()
	size, evictions := len(m.items), m.evictions
	m.mu.Unlock()

	s := m.stats.snapshot("memory")
	s["size"] = size
	s["max_size"] = m.maxSize
	s["evictions"] = evictions
	return s
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) removeLocked(e *memoryEntry) {
	m.order.Remove(e.elem)
	delete(m.items, e.key)
}
