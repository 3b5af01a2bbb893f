package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyHeader lets clients retry a mutation without it running twice.
const IdempotencyHeader = "Idempotency-Key"

// DefaultIdempotencyTTL is how long a replayable response is kept.
const DefaultIdempotencyTTL = 24 * time.Hour

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IdempotencyStorer is an idempotency backend.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool, error)
	Set(ctx context.Context, key string, resp *cachedResponse) error
}

// MemoryIdempotencyStore holds cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyStore creates an in-memory store. Expired entries are
// dropped on the next Set.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cached, ok := s.entries[key]
	if ok && s.clock().Sub(cached.CachedAt) < s.ttl {
		return cached, true, nil
	}
	return nil, false, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *cachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
	s.entries[key] = resp
	return nil
}

// RedisIdempotencyStore shares cached responses across replicas.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore stores entries under "helm-ops:idem:".
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "helm-ops:idem:"}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var resp cachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return &resp, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *cachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	// SETNX keeps the first response when two retries race.
	return s.client.SetNX(ctx, s.prefix+key, raw, s.ttl).Err()
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first successful response of a mutating
// request carrying an Idempotency-Key. Keys are scoped to the acting identity
// and the request path. A 202 (approval pending) is never cached so the
// caller can replay with the approval id under the same key.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 256 {
				WriteBadRequest(w, "Idempotency-Key is too long")
				return
			}
			actor := ActorFrom(r.Context()).ID
			scoped := actor + "|" + r.Method + " " + r.URL.Path + "|" + key

			cached, ok, err := store.Check(r.Context(), scoped)
			if err != nil {
				WriteInternal(w, err)
				return
			}
			if ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 && capture.statusCode != http.StatusAccepted {
				resp := &cachedResponse{
					StatusCode: capture.statusCode,
					Headers:    w.Header().Clone(),
					Body:       capture.body.Bytes(),
					CachedAt:   time.Now(),
				}
				if err := store.Set(r.Context(), scoped, resp); err != nil {
					slog.Warn("idempotency store failed", "error", err)
				}
			}
		})
	}
}
