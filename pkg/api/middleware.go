package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HeaderCaller carries the caller address supplied by the authenticating
// edge in front of this API.
const HeaderCaller = "X-Caller"

// rateLimitConfig holds the rate limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// CallerRateLimiter manages per-caller rate limiters. Requests without a
// caller are keyed by remote IP.
type CallerRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
	stop     chan struct{}
	once     sync.Once
}

// visitor tracks the rate limiter and last seen time for a key.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewCallerRateLimiter creates a new rate limiter.
// rps: requests per second allowed.
// burst: maximum burst size.
func NewCallerRateLimiter(rps float64, burst int) *CallerRateLimiter {
	rl := &CallerRateLimiter{
		visitors: make(map[string]*visitor),
		config: rateLimitConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
		stop: make(chan struct{}),
	}
	go rl.cleanupVisitors()
	return rl
}

// Close stops the background cleanup.
func (rl *CallerRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *CallerRateLimiter) getVisitor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[key] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes entries idle for more than 3 minutes.
func (rl *CallerRateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Handler that enforces rate limits.
func (rl *CallerRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := rl.getVisitor(limiterKey(r))
		if res := limiter.Reserve(); !res.OK() || res.Delay() > 0 {
			retry := 1
			if res.OK() {
				retry = int(res.Delay().Seconds()) + 1
				res.Cancel()
			}
			WriteTooManyRequests(w, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limiterKey(r *http.Request) string {
	if caller := r.Header.Get(HeaderCaller); caller != "" {
		return "caller:" + caller
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return "ip:" + ip
}

// RequestID assigns an X-Request-ID to every response, reusing the
// client's when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
