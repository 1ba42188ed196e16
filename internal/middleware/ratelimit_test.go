package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdevsl/claudorc-sub000/internal/clock"
	redisclient "github.com/agentdevsl/claudorc-sub000/internal/redis"
)

func TestMemoryRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := NewMemoryRateLimiter(clock.NewFake(time.Now()))

		for i := 0; i < 3; i++ {
			d := limiter.Allow(ctx, "k", 3, time.Minute)
			assert.True(t, d.Allowed, "request %d should be allowed", i+1)
			assert.Equal(t, 2-i, d.Remaining)
		}

		d := limiter.Allow(ctx, "k", 3, time.Minute)
		assert.False(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)
	})

	t.Run("window slides", func(t *testing.T) {
		fake := clock.NewFake(time.Now())
		limiter := NewMemoryRateLimiter(fake)

		assert.True(t, limiter.Allow(ctx, "k", 1, time.Second).Allowed)
		assert.False(t, limiter.Allow(ctx, "k", 1, time.Second).Allowed)

		fake.Advance(1100 * time.Millisecond)
		assert.True(t, limiter.Allow(ctx, "k", 1, time.Second).Allowed)
	})

	t.Run("keys are independent", func(t *testing.T) {
		limiter := NewMemoryRateLimiter(nil)

		assert.True(t, limiter.Allow(ctx, "a", 1, time.Minute).Allowed)
		assert.True(t, limiter.Allow(ctx, "b", 1, time.Minute).Allowed)
		assert.False(t, limiter.Allow(ctx, "a", 1, time.Minute).Allowed)
	})

	t.Run("idle entries are evicted", func(t *testing.T) {
		fake := clock.NewFake(time.Now())
		limiter := NewMemoryRateLimiter(fake)
		limiter.Allow(ctx, "idle", 5, time.Second)

		fake.Advance(entryTTL + cleanupInterval)
		limiter.Allow(ctx, "fresh", 5, time.Second)

		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		assert.NotContains(t, limiter.store, "idle")
		assert.Contains(t, limiter.store, "fresh")
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("sets rate limit headers", func(t *testing.T) {
		mw := NewRateLimitMiddleware(NewMemoryRateLimiter(nil), "tokens", 5, time.Minute, ByUser)
		handler := RequireUser(mw.Handler(ok))

		req := httptest.NewRequest(http.MethodPost, "/tokens", nil)
		req.Header.Set(UserIDHeader, "user-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("returns 429 when rate limited", func(t *testing.T) {
		mw := NewRateLimitMiddleware(NewMemoryRateLimiter(nil), "tokens", 2, time.Minute, ByUser)
		handler := RequireUser(mw.Handler(ok))

		send := func(user string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/tokens", nil)
			req.Header.Set(UserIDHeader, user)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			return rec
		}

		send("user-2")
		send("user-2")
		rec := send("user-2")

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

		assert.Equal(t, http.StatusOK, send("user-3").Code)
	})

	t.Run("empty key bypasses limiter", func(t *testing.T) {
		mw := NewRateLimitMiddleware(NewMemoryRateLimiter(nil), "tokens", 1, time.Minute, ByUser)
		handler := mw.Handler(ok)

		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		}
	})

	t.Run("keys by remote address", func(t *testing.T) {
		mw := NewRateLimitMiddleware(NewMemoryRateLimiter(nil), "stream", 1, time.Minute, ByIP)
		handler := mw.Handler(ok)

		req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
		req.RemoteAddr = "10.0.0.1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}

func TestRedisRateLimiter(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := redisclient.NewClient(redisURL)
	if err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	limiter := NewRedisRateLimiter(client.Client)
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		d := limiter.Allow(ctx, key, 3, 10*time.Second)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d := limiter.Allow(ctx, key, 3, 10*time.Second)
	assert.False(t, d.Allowed)
	assert.True(t, d.ResetAt.After(time.Now()))
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	limiter := NewRedisRateLimiter(client)
	d := limiter.Allow(context.Background(), "k", 3, time.Minute)

	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}
