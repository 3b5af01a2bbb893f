package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	// 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(1, 2)
	defer limiter.Close()
	ts := httptest.NewServer(limiter.Middleware(okHandler()))
	defer ts.Close()
	client := ts.Client()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "within burst")
		assert.NoError(t, resp.Body.Close())
	}

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "exceeded burst")
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.NoError(t, resp.Body.Close())
}

func TestRateLimitSweepDropsIdleVisitors(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 1)
	defer limiter.Close()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	limiter.clock = func() time.Time { return now }

	limiter.getVisitor("10.0.0.1")
	now = now.Add(visitorTTL + time.Second)
	limiter.getVisitor("10.0.0.2")
	limiter.sweep()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.visitors, "10.0.0.1")
	assert.Contains(t, limiter.visitors, "10.0.0.2")
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", seen)
}

func signed(t *testing.T, v *JWTValidator, sub, role string, workspaces []string, exp time.Time) string {
	t.Helper()
	token, err := v.Sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role:       role,
		Workspaces: workspaces,
	})
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware(t *testing.T) {
	v := NewJWTValidator("test-secret")
	var got string
	h := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := ActorFrom(r.Context())
		got = a.ID + "/" + a.Role
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]struct {
		header string
		status int
	}{
		"missing header": {"", http.StatusUnauthorized},
		"wrong scheme":   {"Basic abc", http.StatusUnauthorized},
		"garbage token":  {"Bearer not-a-jwt", http.StatusUnauthorized},
		"expired":        {"Bearer " + signed(t, v, "op-1", "user", nil, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		"unknown role":   {"Bearer " + signed(t, v, "op-1", "root", nil, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		"valid":          {"Bearer " + signed(t, v, "op-1", "user", nil, time.Now().Add(time.Hour)), http.StatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/workspaces/acme/rollout", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
	assert.Equal(t, "op-1/user", got)

	other := NewJWTValidator("other-secret")
	req := httptest.NewRequest("GET", "/api/v1/workspaces/acme/rollout", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, other, "op-1", "admin", nil, time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "foreign signature")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, "public path")
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	var actorID string
	h := AuthMiddleware(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		actorID = ActorFrom(r.Context()).ID
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/workspaces", nil))
	assert.Empty(t, actorID, "the control plane substitutes the default actor")
}

func countingHandler(calls *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		status := http.StatusOK
		if r.URL.Query().Get("pending") == "1" {
			status = http.StatusAccepted
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"n":` + strings.Repeat("1", int(n)) + `}`))
	})
}

func exerciseIdempotency(t *testing.T, store IdempotencyStorer) {
	t.Helper()
	var calls int32
	h := IdempotencyMiddleware(store)(countingHandler(&calls))

	do := func(target, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", target, nil)
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := do("/api/v1/workspaces/acme/workflow/tasks", "k-1")
	second := do("/api/v1/workspaces/acme/workflow/tasks", "k-1")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	do("/api/v1/workspaces/other/workflow/tasks", "k-1")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "keys are scoped to the path")

	do("/api/v1/workspaces/acme/rollout/promote?pending=1", "k-2")
	do("/api/v1/workspaces/acme/rollout/promote?pending=1", "k-2")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "202 is not cached")

	do("/api/v1/workspaces/acme/workflow/tasks", "")
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestIdempotencyMemory(t *testing.T) {
	exerciseIdempotency(t, NewIdempotencyStore(time.Hour))
}

func TestIdempotencyMemoryExpires(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", &cachedResponse{StatusCode: 200, CachedAt: now}))
	_, ok, err := store.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotencyRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisIdempotencyStore(client, time.Hour)
	exerciseIdempotency(t, store)
	assert.NotEmpty(t, mr.Keys())
}
