package ratelimit

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/config"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// Built-in limit types.
const (
	SearchPerUser = "search_per_user"
	UploadPerUser = "upload_per_user"
	APIPerIP      = "api_per_ip"
	GlobalAPI     = "global_api"

	globalIdentifier = "global"
)

// protectedPrefixes guard built-in limits from RemoveLimit.
var protectedPrefixes = []string{"search_", "upload_", "api_", "global_"}

// Limit admits Requests acceptances within any trailing Window.
type Limit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Info describes the state of one window after a check.
// Remaining is set on acceptance, RetryAfter on denial.
type Info struct {
	LimitType    string        `json:"limit_type"`
	Identifier   string        `json:"identifier"`
	CurrentCount int           `json:"current_count"`
	Limit        int           `json:"limit"`
	Window       time.Duration `json:"window"`
	Remaining    int           `json:"remaining"`
	RetryAfter   time.Duration `json:"retry_after"`
	ResetTime    time.Time     `json:"reset_time"`
}

// Stats summarizes the limiter for status endpoints.
type Stats struct {
	Limits         map[string]Limit `json:"limits"`
	ActiveWindows  int              `json:"active_windows"`
	CleanupRunning bool             `json:"cleanup_running"`
}

// window holds acceptance timestamps for one key in ascending order.
// dead is set by the sweeper once the window has been unlinked from the map.
type window struct {
	limitType string

	mu     sync.Mutex
	stamps []time.Time
	dead   bool
}

// Limiter is a sliding-window rate limiter keyed by "limitType:identifier".
// Each key has its own lock, so checks on different keys never contend.
type Limiter struct {
	limitsMu sync.RWMutex
	limits   map[string]Limit

	windows sync.Map // string -> *window

	now             func() time.Time
	logger          zerolog.Logger
	cleanupInterval time.Duration
	maxAge          time.Duration

	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	wg        sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger.With().Str("component", "ratelimit").Logger()
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithCleanup starts a background sweep every interval that drops windows
// idle for longer than maxAge. A zero interval disables the sweep.
func WithCleanup(interval, maxAge time.Duration) Option {
	return func(l *Limiter) {
		l.cleanupInterval = interval
		l.maxAge = maxAge
	}
}

// DefaultLimits returns the built-in limits with their stock values.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		SearchPerUser: {Requests: 100, Window: time.Minute},
		UploadPerUser: {Requests: 10, Window: time.Hour},
		APIPerIP:      {Requests: 1000, Window: time.Hour},
		GlobalAPI:     {Requests: 10000, Window: time.Minute},
	}
}

// LimitsFromConfig maps the ratelimit config section onto built-in limits.
func LimitsFromConfig(c config.RateLimitConfig) map[string]Limit {
	return map[string]Limit{
		SearchPerUser: {Requests: c.SearchPerUser.Requests, Window: c.SearchPerUser.Window},
		UploadPerUser: {Requests: c.UploadPerUser.Requests, Window: c.UploadPerUser.Window},
		APIPerIP:      {Requests: c.APIPerIP.Requests, Window: c.APIPerIP.Window},
		GlobalAPI:     {Requests: c.GlobalAPI.Requests, Window: c.GlobalAPI.Window},
	}
}

// New creates a Limiter with the given limits. A nil map installs DefaultLimits.
func New(limits map[string]Limit, opts ...Option) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}

	l := &Limiter{
		limits: make(map[string]Limit, len(limits)),
		now:    time.Now,
		logger: zerolog.Nop(),
		maxAge: time.Hour,
		done:   make(chan struct{}),
	}
	for name, limit := range limits {
		l.limits[name] = limit
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.cleanupInterval > 0 {
		l.running.Store(true)
		l.wg.Add(1)
		go l.cleanupLoop()
	}

	return l
}

// Check records an attempt against limitType for identifier and reports
// whether it is admitted. Unknown limit types are admitted with a warning.
func (l *Limiter) Check(limitType, identifier string) (bool, Info) {
	limit, ok := l.limit(limitType)
	if !ok {
		l.logger.Warn().Str("limit_type", limitType).Msg("no rate limit configured, allowing request")
		return true, Info{LimitType: limitType, Identifier: identifier}
	}

	key := windowKey(limitType, identifier)
	for {
		w := l.loadWindow(key, limitType)
		w.mu.Lock()
		if w.dead {
			// Swept between load and lock; retry against a fresh window.
			w.mu.Unlock()
			continue
		}
		allowed, info := l.admit(w, limit)
		w.mu.Unlock()

		info.LimitType = limitType
		info.Identifier = identifier
		if !allowed {
			l.logger.Debug().
				Str("limit_type", limitType).
				Str("identifier", identifier).
				Dur("retry_after", info.RetryAfter).
				Msg("rate limit exceeded")
		}
		return allowed, info
	}
}

// admit applies the sliding-window rule. The caller holds w.mu.
func (l *Limiter) admit(w *window, limit Limit) (bool, Info) {
	now := l.now()
	purge(w, now.Add(-limit.Window))

	count := len(w.stamps)
	info := Info{
		CurrentCount: count,
		Limit:        limit.Requests,
		Window:       limit.Window,
	}

	if count >= limit.Requests {
		retry := limit.Window
		if count > 0 {
			until := w.stamps[0].Add(limit.Window).Sub(now).Seconds()
			retry = time.Duration(math.Floor(until)+1) * time.Second
		}
		info.RetryAfter = retry
		info.ResetTime = now.Add(retry)
		return false, info
	}

	w.stamps = append(w.stamps, now)
	info.CurrentCount = count + 1
	info.Remaining = limit.Requests - info.CurrentCount
	info.ResetTime = now.Add(limit.Window)
	return true, info
}

// purge drops timestamps strictly before windowStart.
func purge(w *window, windowStart time.Time) {
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(windowStart) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}

func (l *Limiter) CheckSearch(userID string) (bool, Info) {
	return l.Check(SearchPerUser, userID)
}

func (l *Limiter) CheckUpload(userID string) (bool, Info) {
	return l.Check(UploadPerUser, userID)
}

func (l *Limiter) CheckAPI(ip string) (bool, Info) {
	return l.Check(APIPerIP, ip)
}

func (l *Limiter) CheckGlobal() (bool, Info) {
	return l.Check(GlobalAPI, globalIdentifier)
}

// Usage reports the current window without recording an attempt.
// ok is false when limitType is not configured.
func (l *Limiter) Usage(limitType, identifier string) (Info, bool) {
	limit, ok := l.limit(limitType)
	if !ok {
		return Info{}, false
	}

	info := Info{
		LimitType:  limitType,
		Identifier: identifier,
		Limit:      limit.Requests,
		Window:     limit.Window,
		Remaining:  limit.Requests,
	}

	v, found := l.windows.Load(windowKey(limitType, identifier))
	if !found {
		return info, true
	}

	w := v.(*window)
	now := l.now()
	windowStart := now.Add(-limit.Window)

	w.mu.Lock()
	count := 0
	for _, ts := range w.stamps {
		if !ts.Before(windowStart) {
			count++
		}
	}
	w.mu.Unlock()

	info.CurrentCount = count
	info.Remaining = max(0, limit.Requests-count)
	return info, true
}

// ResetUser clears the per-user search and upload windows for userID.
// The map reports which windows existed.
func (l *Limiter) ResetUser(userID string) map[string]bool {
	return map[string]bool{
		SearchPerUser: l.reset(windowKey(SearchPerUser, userID)),
		UploadPerUser: l.reset(windowKey(UploadPerUser, userID)),
	}
}

// ResetIP clears the per-IP API window.
func (l *Limiter) ResetIP(ip string) bool {
	return l.reset(windowKey(APIPerIP, ip))
}

func (l *Limiter) reset(key string) bool {
	v, ok := l.windows.LoadAndDelete(key)
	if !ok {
		return false
	}
	w := v.(*window)
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
	return true
}

// AddLimit registers or replaces a named limit.
func (l *Limiter) AddLimit(name string, limit Limit) error {
	if name == "" {
		return kberr.New(kberr.CodeRateLimitInvalid, "limit name must not be empty")
	}
	if limit.Requests < 1 || limit.Window <= 0 {
		return kberr.Errorf(kberr.CodeRateLimitInvalid,
			"limit %q needs positive requests and window (got requests=%d, window=%s)",
			name, limit.Requests, limit.Window)
	}

	l.limitsMu.Lock()
	l.limits[name] = limit
	l.limitsMu.Unlock()

	l.logger.Info().Str("limit_type", name).Int("requests", limit.Requests).Dur("window", limit.Window).Msg("added rate limit")
	return nil
}

// RemoveLimit deletes a custom limit. Built-in names are protected and
// report false, as do unknown names.
func (l *Limiter) RemoveLimit(name string) bool {
	if isProtected(name) {
		return false
	}

	l.limitsMu.Lock()
	_, ok := l.limits[name]
	delete(l.limits, name)
	l.limitsMu.Unlock()

	if ok {
		l.logger.Info().Str("limit_type", name).Msg("removed rate limit")
	}
	return ok
}

// Stats returns the configured limits and window bookkeeping.
func (l *Limiter) Stats() Stats {
	l.limitsMu.RLock()
	limits := make(map[string]Limit, len(l.limits))
	for name, limit := range l.limits {
		limits[name] = limit
	}
	l.limitsMu.RUnlock()

	active := 0
	l.windows.Range(func(_, _ any) bool {
		active++
		return true
	})

	return Stats{
		Limits:         limits,
		ActiveWindows:  active,
		CleanupRunning: l.running.Load(),
	}
}

// Sweep drops windows whose newest timestamp is older than maxAge and
// returns how many were removed. A window is never dropped while its own
// limit could still count that timestamp, so a limit whose Window exceeds
// maxAge keeps its stamps until they expire. The background loop calls
// Sweep on a ticker.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	now := l.now()
	removed := 0

	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		keep := maxAge
		if limit, ok := l.limit(w.limitType); ok && limit.Window > keep {
			keep = limit.Window
		}
		cutoff := now.Add(-keep)

		w.mu.Lock()
		stale := len(w.stamps) == 0 || w.stamps[len(w.stamps)-1].Before(cutoff)
		if stale {
			w.dead = true
			l.windows.Delete(k)
			removed++
		}
		w.mu.Unlock()
		return true
	})

	return removed
}

// Close stops the background sweep. It is safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()
	defer l.running.Store(false)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(l.maxAge); n > 0 {
				l.logger.Debug().Int("removed", n).Msg("swept idle rate limit windows")
			}
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) limit(limitType string) (Limit, bool) {
	l.limitsMu.RLock()
	defer l.limitsMu.RUnlock()
	limit, ok := l.limits[limitType]
	return limit, ok
}

func (l *Limiter) loadWindow(key, limitType string) *window {
	if v, ok := l.windows.Load(key); ok {
		return v.(*window)
	}
	v, _ := l.windows.LoadOrStore(key, &window{limitType: limitType})
	return v.(*window)
}

func windowKey(limitType, identifier string) string {
	return limitType + ":" + identifier
}

func isProtected(name string) bool {
	for _, p := range protectedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
