package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentdevsl/claudorc-sub000/internal/clock"
	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
)

const (
	maxEntries      = 10000
	cleanupInterval = time.Minute
	entryTTL        = 5 * time.Minute
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts hits per key inside a sliding window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
}

type rateLimitEntry struct {
	timestamps []time.Time
	lastAccess time.Time
}

// MemoryRateLimiter is a process-local sliding window limiter.
type MemoryRateLimiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	store       map[string]*rateLimitEntry
	lastCleanup time.Time
}

func NewMemoryRateLimiter(c clock.Clock) *MemoryRateLimiter {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryRateLimiter{
		clock:       c,
		store:       make(map[string]*rateLimitEntry),
		lastCleanup: c.Now(),
	}
}

func (rl *MemoryRateLimiter) cleanup(now time.Time) {
	if now.Sub(rl.lastCleanup) < cleanupInterval {
		return
	}
	rl.lastCleanup = now

	for key, entry := range rl.store {
		if now.Sub(entry.lastAccess) > entryTTL {
			delete(rl.store, key)
		}
	}

	if len(rl.store) > maxEntries {
		evict := len(rl.store) / 5
		for key := range rl.store {
			if evict == 0 {
				break
			}
			delete(rl.store, key)
			evict--
		}
	}
}

func (rl *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.cleanup(now)

	entry, exists := rl.store[key]
	if !exists {
		entry = &rateLimitEntry{}
		rl.store[key] = entry
	}
	entry.lastAccess = now

	windowStart := now.Add(-window)
	filtered := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			filtered = append(filtered, ts)
		}
	}
	entry.timestamps = filtered

	resetAt := now.Add(window)
	if len(entry.timestamps) > 0 {
		resetAt = entry.timestamps[0].Add(window)
	}

	if len(entry.timestamps) >= limit {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	entry.timestamps = append(entry.timestamps, now)
	return Decision{Allowed: true, Remaining: limit - len(entry.timestamps), ResetAt: resetAt}
}

// KeyFunc derives the rate limit subject from a request. An empty key
// bypasses the limiter.
type KeyFunc func(r *http.Request) string

// ByUser keys on the identity set by RequireUser.
func ByUser(r *http.Request) string {
	return GetUserID(r.Context())
}

// ByIP keys on the remote address, which RealIP has already normalized.
func ByIP(r *http.Request) string {
	return r.RemoteAddr
}

type RateLimitMiddleware struct {
	limiter Limiter
	scope   string
	limit   int
	window  time.Duration
	key     KeyFunc
}

func NewRateLimitMiddleware(limiter Limiter, scope string, limit int, window time.Duration, key KeyFunc) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		scope:   scope,
		limit:   limit,
		window:  window,
		key:     key,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := m.key(r)
		if subject == "" || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		d := m.limiter.Allow(r.Context(), m.scope+":"+subject, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			log.Warn().Str("scope", m.scope).Str("subject", subject).Msg("rate limit exceeded")
			retryAfter := int(time.Until(d.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, apperrors.RateLimited())
			return
		}

		next.ServeHTTP(w, r)
	})
}
