package metrics

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxSamples    = 10000
	DefaultSlowThreshold = time.Second

	// recentSlowPerQuery bounds the slow executions kept per query.
	recentSlowPerQuery = 10
	// highPriorityAvg marks a slow query recommendation as high priority.
	highPriorityAvg = 5 * time.Second
)

// Sample is one timed operation.
type Sample struct {
	Operation string         `json:"operation"`
	Start     time.Time      `json:"start"`
	Duration  time.Duration  `json:"duration"`
	Err       string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// OperationStats aggregates every sample of one operation, including those
// evicted from the ring.
type OperationStats struct {
	Count        int           `json:"count"`
	Errors       int           `json:"errors"`
	Total        time.Duration `json:"total"`
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	Avg          time.Duration `json:"avg"`
	ErrorRate    float64       `json:"error_rate"`
	LastExecuted time.Time     `json:"last_executed"`
}

// SlowExecution is one run of a query over the slow threshold.
type SlowExecution struct {
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
	ResultCount int           `json:"result_count"`
}

// QueryStats aggregates executions of one query, keyed by its hash.
type QueryStats struct {
	Hash            string          `json:"query_hash"`
	Text            string          `json:"query_text"`
	Count           int             `json:"count"`
	Total           time.Duration   `json:"total"`
	Avg             time.Duration   `json:"avg"`
	LastResultCount int             `json:"last_result_count"`
	RecentSlow      []SlowExecution `json:"recent_slow,omitempty"`
}

// Recommendation flags a query whose average duration is over the slow
// threshold.
type Recommendation struct {
	Type        string        `json:"type"`
	Priority    string        `json:"priority"`
	QueryHash   string        `json:"query_hash"`
	QueryText   string        `json:"query_text"`
	AvgDuration time.Duration `json:"avg_duration"`
	Executions  int           `json:"executions"`
	Suggestion  string        `json:"suggestion"`
}

// Health is a point-in-time view of the Go runtime.
type Health struct {
	Timestamp    time.Time     `json:"timestamp"`
	Uptime       time.Duration `json:"uptime"`
	Goroutines   int           `json:"goroutines"`
	CPUs         int           `json:"cpus"`
	HeapAlloc    uint64        `json:"heap_alloc_bytes"`
	HeapSys      uint64        `json:"heap_sys_bytes"`
	NumGC        uint32        `json:"num_gc"`
	SamplesKept  int           `json:"samples_kept"`
	SamplesLimit int           `json:"samples_limit"`
}

// Monitor collects samples. The zero value is not usable; call New.
type Monitor struct {
	mu      sync.Mutex
	ring    []Sample
	next    int
	full    bool
	ops     map[string]*OperationStats
	queries map[string]*QueryStats

	slow    time.Duration
	now     func() time.Time
	started time.Time
	logger  zerolog.Logger
}

type Option func(*Monitor)

// WithMaxSamples bounds the ring of recent samples. Non-positive values
// keep DefaultMaxSamples.
func WithMaxSamples(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.ring = make([]Sample, n)
		}
	}
}

// WithSlowThreshold sets the duration at or above which operations and
// queries count as slow.
func WithSlowThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.slow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger logs slow operations at warn level.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger.With().Str("component", "metrics").Logger()
	}
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		ring:    make([]Sample, DefaultMaxSamples),
		ops:     make(map[string]*OperationStats),
		queries: make(map[string]*QueryStats),
		slow:    DefaultSlowThreshold,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// Start begins timing op. The returned func records the sample; pass the
// operation's error, or nil.
func (m *Monitor) Start(op string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := m.now()
	return func(err error) {
		s := Sample{Operation: op, Start: start, Duration: m.now().Sub(start)}
		if err != nil {
			s.Err = err.Error()
		}
		m.Record(s)
	}
}

// Record adds a finished sample.
func (m *Monitor) Record(s Sample) {
	if m == nil {
		return
	}

	m.mu.Lock()
	m.ring[m.next] = s
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}

	st, ok := m.ops[s.Operation]
	if !ok {
		st = &OperationStats{Min: s.Duration}
		m.ops[s.Operation] = st
	}
	st.Count++
	st.Total += s.Duration
	st.Min = min(st.Min, s.Duration)
	st.Max = max(st.Max, s.Duration)
	st.LastExecuted = s.Start.Add(s.Duration)
	if s.Err != "" {
		st.Errors++
	}
	slow := s.Duration >= m.slow && s.Err == ""
	m.mu.Unlock()

	if slow {
		m.logger.Warn().Str("operation", s.Operation).Dur("duration", s.Duration).Msg("slow operation")
	}
}

// RecordQuery adds one execution of the query identified by hash.
func (m *Monitor) RecordQuery(hash, text string, d time.Duration, resultCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queries[hash]
	if !ok {
		q = &QueryStats{Hash: hash}
		m.queries[hash] = q
	}
	q.Count++
	q.Total += d
	q.Avg = q.Total / time.Duration(q.Count)
	q.LastResultCount = resultCount
	if text != "" {
		q.Text = text
	}
	if d >= m.slow {
		q.RecentSlow = append(q.RecentSlow, SlowExecution{Duration: d, At: m.now(), ResultCount: resultCount})
		if n := len(q.RecentSlow); n > recentSlowPerQuery {
			q.RecentSlow = append([]SlowExecution(nil), q.RecentSlow[n-recentSlowPerQuery:]...)
		}
	}
}

// Operation returns the aggregate for op.
func (m *Monitor) Operation(op string) (OperationStats, bool) {
	if m == nil {
		return OperationStats{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.ops[op]
	if !ok {
		return OperationStats{}, false
	}
	return finish(*st), true
}

// Operations returns the aggregate of every operation seen.
func (m *Monitor) Operations() map[string]OperationStats {
	out := make(map[string]OperationStats)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for op, st := range m.ops {
		out[op] = finish(*st)
	}
	return out
}

func finish(st OperationStats) OperationStats {
	if st.Count > 0 {
		st.Avg = st.Total / time.Duration(st.Count)
		st.ErrorRate = float64(st.Errors) / float64(st.Count)
	}
	return st
}

// Recent returns retained samples that finished within the last window,
// oldest first. An empty op matches every operation.
func (m *Monitor) Recent(op string, window time.Duration) []Sample {
	out := []Sample{}
	if m == nil {
		return out
	}
	cutoff := m.now().Add(-window)
	m.each(func(s Sample) {
		if (op == "" || s.Operation == op) && !s.Start.Add(s.Duration).Before(cutoff) {
			out = append(out, s)
		}
	})
	return out
}

// SlowOperations returns retained error-free samples at or above threshold,
// slowest first, at most limit of them. A non-positive threshold uses the
// monitor's slow threshold.
func (m *Monitor) SlowOperations(threshold time.Duration, limit int) []Sample {
	out := []Sample{}
	if m == nil {
		return out
	}
	if threshold <= 0 {
		threshold = m.slow
	}
	m.each(func(s Sample) {
		if s.Err == "" && s.Duration >= threshold {
			out = append(out, s)
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SlowQueries returns queries whose average is at or above minAvg, slowest
// first. A non-positive minAvg uses the slow threshold.
func (m *Monitor) SlowQueries(minAvg time.Duration) []QueryStats {
	if m == nil {
		return []QueryStats{}
	}
	if minAvg <= 0 {
		minAvg = m.slow
	}
	return m.queryStats(func(q *QueryStats) bool { return q.Avg >= minAvg })
}

// Queries returns every recorded query, slowest average first.
func (m *Monitor) Queries() []QueryStats {
	if m == nil {
		return []QueryStats{}
	}
	return m.queryStats(func(*QueryStats) bool { return true })
}

func (m *Monitor) queryStats(keep func(*QueryStats) bool) []QueryStats {
	out := []QueryStats{}
	m.mu.Lock()
	for _, q := range m.queries {
		if keep(q) {
			c := *q
			c.RecentSlow = append([]SlowExecution(nil), q.RecentSlow...)
			out = append(out, c)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Avg != out[j].Avg {
			return out[i].Avg > out[j].Avg
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// Recommendations turns SlowQueries into actionable entries.
func (m *Monitor) Recommendations() []Recommendation {
	slow := m.SlowQueries(0)
	out := make([]Recommendation, 0, len(slow))
	for _, q := range slow {
		priority := "medium"
		if q.Avg > highPriorityAvg {
			priority = "high"
		}
		out = append(out, Recommendation{
			Type:        "slow_query",
			Priority:    priority,
			QueryHash:   q.Hash,
			QueryText:   q.Text,
			AvgDuration: q.Avg,
			Executions:  q.Count,
			Suggestion:  "narrow the query with filters or lower top_k; repeated queries are served from the cache",
		})
	}
	return out
}

// Health reports runtime figures.
func (m *Monitor) Health() Health {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h := Health{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
		CPUs:       runtime.NumCPU(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
	}
	if m != nil {
		now := m.now()
		h.Timestamp = now
		h.Uptime = now.Sub(m.started)
		m.mu.Lock()
		h.SamplesKept = m.kept()
		h.SamplesLimit = len(m.ring)
		m.mu.Unlock()
	}
	return h
}

// Snapshot is the status view of a Monitor.
type Snapshot struct {
	Operations      map[string]OperationStats `json:"operations"`
	SlowOperations  []Sample                  `json:"slow_operations"`
	SlowQueries     []QueryStats              `json:"slow_queries"`
	Recommendations []Recommendation          `json:"recommendations"`
	Health          Health                    `json:"health"`
}

// Snapshot gathers everything the status surface reports; slowLimit caps
// SlowOperations.
func (m *Monitor) Snapshot(slowLimit int) Snapshot {
	return Snapshot{
		Operations:      m.Operations(),
		SlowOperations:  m.SlowOperations(0, slowLimit),
		SlowQueries:     m.SlowQueries(0),
		Recommendations: m.Recommendations(),
		Health:          m.Health(),
	}
}

func (m *Monitor) kept() int {
	if m.full {
		return len(m.ring)
	}
	return m.next
}

// each visits retained samples oldest first under the lock.
func (m *Monitor) each(fn func(Sample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		for _, s := range m.ring[m.next:] {
			fn(s)
		}
	}
	for _, s := range m.ring[:m.next] {
		fn(s)
	}
}
