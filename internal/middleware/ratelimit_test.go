package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	if err := DefaultCollectLimit().Validate(); err != nil {
		t.Errorf("default limit invalid: %v", err)
	}
	if err := (RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}).Validate(); err == nil {
		t.Error("expected error for zero requests")
	}
	if err := (RateLimitConfig{RequestsPerWindow: 1}).Validate(); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestInMemoryRateLimitStore_Window(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemoryRateLimitStore()
	store.now = func() time.Time { return now }
	cfg := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, _ := store.Allow(ctx, "k", cfg); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retry, _ := store.Allow(ctx, "k", cfg)
	if ok || retry != 60 {
		t.Errorf("third request: allowed=%v retry=%d", ok, retry)
	}
	if ok, _, _ := store.Allow(ctx, "other", cfg); !ok {
		t.Error("independent key should be allowed")
	}

	now = now.Add(time.Minute)
	store.Cleanup()
	if len(store.buckets) != 0 {
		t.Errorf("expected expired buckets removed, have %d", len(store.buckets))
	}
	if ok, _, _ := store.Allow(ctx, "k", cfg); !ok {
		t.Error("new window should allow")
	}
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, RateLimitConfig) (bool, int, error) {
	return false, 0, errors.New("redis down")
}

func TestRateLimiter(t *testing.T) {
	m := NewMetrics()
	store := NewInMemoryRateLimitStore()
	cfg := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	handler := RateLimiter(store, cfg, AccountKeyFunc(), m, nil)(ok)

	do := func(account string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/collect", nil)
		req = req.WithContext(SetAccountID(req.Context(), account))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := do("a"); rr.Code != http.StatusAccepted {
		t.Fatalf("first request: %d", rr.Code)
	}
	rr := do("a")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rr.Code)
	}
	if retry, err := strconv.Atoi(rr.Header().Get("Retry-After")); err != nil || retry < 1 {
		t.Errorf("bad Retry-After %q", rr.Header().Get("Retry-After"))
	}
	if rr := do("b"); rr.Code != http.StatusAccepted {
		t.Errorf("other account limited: %d", rr.Code)
	}
	if got := testutil.ToFloat64(m.rateLimitBlocked.WithLabelValues("/collect")); got != 1 {
		t.Errorf("blocked = %v, want 1", got)
	}

	failOpen := RateLimiter(failingStore{}, cfg, IPKeyFunc(), m, nil)(ok)
	rr = httptest.NewRecorder()
	failOpen.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/collect", nil))
	if rr.Code != http.StatusAccepted {
		t.Errorf("store failure should let the request through, got %d", rr.Code)
	}
	if got := testutil.ToFloat64(m.rateLimitRedisErrors); got != 1 {
		t.Errorf("redis errors = %v, want 1", got)
	}
}

func TestIPKeyFunc(t *testing.T) {
	keyFunc := IPKeyFunc()
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.2:1234", "198.51.100.4"},
		{"remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"remote without port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := keyFunc(r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// TestRedisRateLimitStore runs against a local Redis and is skipped when
// none is reachable.
func TestRedisRateLimitStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}

	store := NewRedisRateLimitStore(client)
	cfg := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(context.Background(), store.prefix+key)

	for i := 0; i < 3; i++ {
		if ok, _, err := store.Allow(ctx, key, cfg); !ok || err != nil {
			t.Fatalf("request %d: allowed=%v err=%v", i+1, ok, err)
		}
	}
	ok, retry, err := store.Allow(ctx, key, cfg)
	if ok || err != nil || retry < 1 || retry > 60 {
		t.Errorf("fourth request: allowed=%v retry=%d err=%v", ok, retry, err)
	}
}
