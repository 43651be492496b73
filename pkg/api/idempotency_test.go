package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStoreAt(t *testing.T, now *time.Time) *MemoryIdempotencyStore {
	t.Helper()
	s := NewMemoryIdempotencyStore(time.Hour)
	t.Cleanup(s.Close)
	s.clock = func() time.Time { return *now }
	return s
}

func TestMemoryIdempotencyStore_Reserve(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newMemoryStoreAt(t, &now)
	ctx := context.Background()

	_, reserved := s.Reserve(ctx, "k")
	require.True(t, reserved)
	cached, reserved := s.Reserve(ctx, "k")
	assert.False(t, reserved)
	assert.Nil(t, cached, "in flight")

	s.Set(ctx, "k", &cachedResponse{StatusCode: http.StatusCreated, Body: []byte("{}")})
	cached, reserved = s.Reserve(ctx, "k")
	assert.False(t, reserved)
	require.NotNil(t, cached)
	assert.Equal(t, http.StatusCreated, cached.StatusCode)

	// Release only drops reservations, never completed responses.
	s.Release(ctx, "k")
	_, reserved = s.Reserve(ctx, "k")
	assert.False(t, reserved)

	_, reserved = s.Reserve(ctx, "other")
	require.True(t, reserved)
	s.Release(ctx, "other")
	_, reserved = s.Reserve(ctx, "other")
	assert.True(t, reserved)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newMemoryStoreAt(t, &now)
	ctx := context.Background()

	_, reserved := s.Reserve(ctx, "done")
	require.True(t, reserved)
	s.Set(ctx, "done", &cachedResponse{StatusCode: http.StatusCreated})
	_, reserved = s.Reserve(ctx, "stuck")
	require.True(t, reserved)

	// An abandoned reservation lapses long before completed responses.
	now = now.Add(pendingTTL)
	_, reserved = s.Reserve(ctx, "stuck")
	assert.True(t, reserved)
	_, reserved = s.Reserve(ctx, "done")
	assert.False(t, reserved)

	now = now.Add(time.Hour)
	_, reserved = s.Reserve(ctx, "done")
	assert.True(t, reserved)
}

func TestMemoryIdempotencyStore_SweepBoundsGrowth(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newMemoryStoreAt(t, &now)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k-%d", i)
		s.Reserve(ctx, key)
		s.Set(ctx, key, &cachedResponse{StatusCode: http.StatusOK})
	}
	s.Reserve(ctx, "pending")
	s.sweep()
	assert.Len(t, s.entries, 101)

	now = now.Add(time.Hour)
	s.sweep()
	assert.Empty(t, s.entries, "expired entries are dropped without being looked up again")

	s.Close()
	s.Close()
}

func TestIdempotencyMiddleware_ConcurrentDuplicateRunsOnce(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := IdempotencyMiddleware(newMemoryStoreAt(t, new(time.Time)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/treasuries/t1/proposals/t1%2F0/approve", nil)
		req.Header.Set(HeaderCaller, "bob")
		req.Header.Set("Idempotency-Key", "approve-1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- send() }()
	<-entered

	dup := send()
	assert.Equal(t, http.StatusConflict, dup.Code)

	close(release)
	assert.Equal(t, http.StatusCreated, (<-first).Code)

	replay := send()
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyMiddleware_ReplaysSuccess(t *testing.T) {
	calls := 0
	handler := IdempotencyMiddleware(newMemoryStoreAt(t, new(time.Time)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusCreated, map[string]int{"n": calls})
	}))

	send := func(caller, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/treasuries/t1/proposals", strings.NewReader("{}"))
		req.Header.Set(HeaderCaller, caller)
		req.Header.Set("Idempotency-Key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := send("alice", "k1")
	second := send("alice", "k1")
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// A different caller reusing the key is not a replay.
	send("bob", "k1")
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddleware_SkipsFailuresAndReads(t *testing.T) {
	calls := 0
	handler := IdempotencyMiddleware(newMemoryStoreAt(t, new(time.Time)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteBadRequest(w, "nope")
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/treasuries", nil)
		req.Header.Set("Idempotency-Key", "k")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls, "4xx responses are not cached")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/treasuries/t1", nil)
		req.Header.Set("Idempotency-Key", "k")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 4, calls)
}

// kvHook serves GET, SET, SET NX and DEL from a map so no Redis server is
// needed.
type kvHook struct {
	mu   sync.Mutex
	data map[string]string
}

func (h *kvHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled in tests")
	}
}

func argString(v any) string {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	}
	return fmt.Sprint(v)
}

func (h *kvHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		args := cmd.Args()
		key := argString(args[1])
		switch c := cmd.(type) {
		case *redis.StringCmd:
			v, ok := h.data[key]
			if !ok {
				c.SetErr(redis.Nil)
				return redis.Nil
			}
			c.SetVal(v)
		case *redis.StatusCmd:
			h.data[key] = argString(args[2])
			c.SetVal("OK")
		case *redis.BoolCmd:
			if _, ok := h.data[key]; ok {
				c.SetVal(false)
				return nil
			}
			h.data[key] = argString(args[2])
			c.SetVal(true)
		case *redis.IntCmd:
			var n int64
			for _, a := range args[1:] {
				if _, ok := h.data[argString(a)]; ok {
					delete(h.data, argString(a))
					n++
				}
			}
			c.SetVal(n)
		}
		return nil
	}
}

func (h *kvHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisIdempotencyStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	hook := &kvHook{data: map[string]string{}}
	client.AddHook(hook)
	s := NewRedisIdempotencyStore(client, 10*time.Minute)
	ctx := context.Background()
	const key = "alice|/v1/treasuries|k"

	_, reserved := s.Reserve(ctx, key)
	require.True(t, reserved)
	assert.Contains(t, hook.data, "treasury:idempotency:"+key)

	cached, reserved := s.Reserve(ctx, key)
	assert.False(t, reserved)
	assert.Nil(t, cached, "in flight")

	s.Set(ctx, key, &cachedResponse{
		StatusCode:  http.StatusCreated,
		ContentType: "application/json",
		Body:        []byte(`{"ok":true}`),
	})

	got, reserved := s.Reserve(ctx, key)
	require.False(t, reserved)
	require.NotNil(t, got)
	assert.Equal(t, http.StatusCreated, got.StatusCode)
	assert.Equal(t, "application/json", got.ContentType)
	assert.JSONEq(t, `{"ok":true}`, string(got.Body))

	_, reserved = s.Reserve(ctx, "bob|/v1/treasuries|k")
	require.True(t, reserved)
	s.Release(ctx, "bob|/v1/treasuries|k")
	assert.NotContains(t, hook.data, "treasury:idempotency:bob|/v1/treasuries|k")
}
