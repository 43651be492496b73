package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingTTL bounds how long a reservation survives a request that never
// completes, such as one cut short by a crash.
const pendingTTL = time.Minute

// cachedResponse stores a previously-seen response for idempotent replay.
// A pending entry marks a request that holds the key but has not finished.
type cachedResponse struct {
	Pending     bool      `json:"pending,omitempty"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	CachedAt    time.Time `json:"cached_at"`
}

// IdempotencyStore defines the interface for idempotency backends.
type IdempotencyStore interface {
	// Reserve atomically claims key. It returns reserved=true when the
	// caller now owns key, the cached response when key already completed,
	// and neither while another request holds key.
	Reserve(ctx context.Context, key string) (cached *cachedResponse, reserved bool)
	// Set stores the response of the request holding key.
	Set(ctx context.Context, key string, resp *cachedResponse)
	// Release drops a reservation whose request is not to be replayed.
	Release(ctx context.Context, key string)
}

// MemoryIdempotencyStore holds cached responses keyed by idempotency key (in-memory).
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	clock   func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store and
// starts a janitor that drops expired entries every minute. Call Close to
// stop it.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
	go s.janitor(time.Minute)
	return s
}

// Close stops the background cleanup.
func (s *MemoryIdempotencyStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryIdempotencyStore) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep deletes every expired entry.
func (s *MemoryIdempotencyStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for key, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryIdempotencyStore) expired(e *cachedResponse, now time.Time) bool {
	ttl := s.ttl
	if e.Pending {
		ttl = pendingTTL
	}
	return now.Sub(e.CachedAt) >= ttl
}

// Reserve implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if e, ok := s.entries[key]; ok && !s.expired(e, now) {
		if e.Pending {
			return nil, false
		}
		return e, false
	}
	s.entries[key] = &cachedResponse{Pending: true, CachedAt: now}
	return nil, true
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *cachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.Pending = false
	resp.CachedAt = s.clock()
	s.entries[key] = resp
}

// Release drops a pending reservation.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.Pending {
		delete(s.entries, key)
	}
}

// RedisIdempotencyStore keeps cached responses in Redis so replays survive
// restarts and are shared between replicas. Reservations use SETNX.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: client,
		prefix: "treasury:idempotency:",
		ttl:    ttl,
		logger: slog.Default().With("component", "idempotency"),
	}
}

// Reserve implements IdempotencyStore. When Redis is unreachable the
// request proceeds unprotected.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (*cachedResponse, bool) {
	pending, _ := json.Marshal(cachedResponse{Pending: true, CachedAt: time.Now().UTC()})
	ok, err := s.client.SetNX(ctx, s.prefix+key, pending, pendingTTL).Result()
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency reservation failed", "error", err)
		return nil, true
	}
	if ok {
		return nil, true
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Released or expired between the two calls; treat as in flight.
			return nil, false
		}
		s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		return nil, true
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil || cached.Pending {
		return nil, false
	}
	return &cached, false
}

// Set stores a response. Failures are logged; replay protection is
// best-effort when Redis is unavailable.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *cachedResponse) {
	resp.Pending = false
	resp.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "idempotency store failed", "key", key, "error", err)
	}
}

// Release deletes the reservation.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		s.logger.WarnContext(ctx, "idempotency release failed", "key", key, "error", err)
	}
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

// IdempotencyMiddleware ensures that POST requests with an Idempotency-Key
// header are processed once per caller and path. Duplicates receive the
// cached response.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Header.Get(HeaderCaller) + "|" + r.URL.Path + "|" + key

			cached, reserved := store.Reserve(r.Context(), scoped)
			if !reserved {
				if cached == nil {
					WriteConflict(w, "a request with this Idempotency-Key is still in progress")
					return
				}
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			stored := false
			defer func() {
				if !stored {
					store.Release(r.Context(), scoped)
				}
			}()
			next.ServeHTTP(capture, r)

			// Cache successful responses (2xx)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), scoped, &cachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
				})
				stored = true
			}
		})
	}
}
