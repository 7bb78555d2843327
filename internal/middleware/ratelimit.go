package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a fixed window limit.
type RateLimitConfig struct {
	// RequestsPerWindow must be > 0.
	RequestsPerWindow int
	// WindowDuration must be > 0.
	WindowDuration time.Duration
}

// Validate rejects non-positive limits.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultCollectLimit bounds collect and export requests per account. Each
// collection fans out to the provider APIs.
func DefaultCollectLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// RateLimitStore holds fixed window counters.
type RateLimitStore interface {
	// Allow counts one request for key. retryAfter is the number of seconds
	// until the window resets when the request is not allowed.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int, err error)
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore is a single-process RateLimitStore.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.windowEnd) {
		s.buckets[key] = &bucket{count: 1, windowEnd: now.Add(config.WindowDuration)}
		return true, 0, nil
	}
	if b.count < config.RequestsPerWindow {
		b.count++
		return true, 0, nil
	}
	return false, retrySeconds(b.windowEnd.Sub(now)), nil
}

// Cleanup drops expired buckets.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, b := range s.buckets {
		if !now.Before(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// RedisRateLimitStore shares counters between instances through Redis.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimitStore creates a store using keys under "dkpack:ratelimit:".
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: "dkpack:ratelimit:"}
}

// Allow implements RateLimitStore with INCR and a window-long expiry set on
// the first hit.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, error) {
	k := s.prefix + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, config.WindowDuration)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("rate limit counter: %w", err)
	}
	if incr.Val() <= int64(config.RequestsPerWindow) {
		return true, 0, nil
	}
	return false, retrySeconds(ttl.Val()), nil
}

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s <= 0 {
		return 1
	}
	return s
}

// KeyFunc extracts a rate limit key from a request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys on the client address: the first X-Forwarded-For hop, then
// X-Real-IP, then RemoteAddr.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// AccountKeyFunc keys on the authenticated account, falling back to the
// client address.
func AccountKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if id := GetAccountID(r.Context()); id != "" {
			return "account:" + id
		}
		return "ip:" + ipFunc(r)
	}
}

// RateLimiter rejects requests over the limit with 429. Store errors let
// the request through and are counted.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := normalizePath(r.URL.Path)
			if metrics != nil {
				metrics.IncRateLimitRequests(route)
			}
			allowed, retryAfter, err := store.Allow(r.Context(), route+"|"+keyFunc(r), config)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
				if metrics != nil {
					metrics.IncRateLimitRedisErrors()
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(route)
				}
				UpdateResponseContext(w, SetErrorCode(r.Context(), "rate_limited"))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
