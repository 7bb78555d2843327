package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/audit"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/auth"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/collect"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/export"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/service"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// PackService is what the handlers need from service.Service.
type PackService interface {
	Collect(ctx context.Context, accountID string) (*collect.Summary, error)
	Export(ctx context.Context, accountID string) (*export.Pack, error)
	Verify(ctx context.Context, accountID, exportID string) (*export.VerifyResult, error)
	Exports(ctx context.Context, accountID string) ([]exportstore.Object, error)
	Download(ctx context.Context, accountID, exportID string) ([]byte, error)
	ListLatestControls(ctx context.Context, accountID string) ([]service.ControlSummary, error)
	ControlDetail(ctx context.Context, accountID, key string) (*service.ControlDetail, error)
	Connections(ctx context.Context, accountID string) ([]vault.Connection, error)
	Connect(ctx context.Context, accountID, provider string, tok vault.Token) error
	Disconnect(ctx context.Context, accountID, provider string) error
	Wipe(ctx context.Context, accountID string) error
	AuditEvents(ctx context.Context, accountID string, limit int) ([]*audit.Event, error)
}

// Authenticator resolves the account behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (accountID string, err error)
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Service       PackService
	Authenticator Authenticator
	Health        *HealthHandlers
	// Metrics records HTTP and rate limit metrics; nil disables them.
	Metrics *middleware.Metrics
	// Gatherer is served on /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// RateLimitStore limits POST /collect and POST /export per account;
	// nil disables limiting.
	RateLimitStore middleware.RateLimitStore
	RateLimit      middleware.RateLimitConfig
	ServiceName    string
	Logger         *slog.Logger
}

// NewRouter builds the full handler chain:
// Recoverer, RequestID, Tracing, Logging, HTTPMetrics, then the routes.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthHandlers(HealthHandlersConfig{})
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dkpack"
	}

	h := &Handlers{svc: cfg.Service, logger: cfg.Logger}
	authed := func(fn http.HandlerFunc) http.Handler {
		return requireAccount(cfg.Authenticator, fn)
	}
	limited := func(fn http.HandlerFunc) http.Handler {
		if cfg.RateLimitStore == nil {
			return authed(fn)
		}
		limiter := middleware.RateLimiter(cfg.RateLimitStore, cfg.RateLimit, middleware.AccountKeyFunc(), cfg.Metrics, cfg.Logger)
		return requireAccount(cfg.Authenticator, limiter(fn))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	mux.Handle("GET /dashboard", authed(h.ListControls))
	mux.Handle("GET /controls", authed(h.ListControls))
	mux.Handle("GET /controls/{key}", authed(h.ControlDetail))
	mux.Handle("POST /collect", limited(h.Collect))
	mux.Handle("GET /connections", authed(h.Connections))
	mux.Handle("PUT /connections/{provider}", authed(h.Connect))
	mux.Handle("DELETE /connections/{provider}", authed(h.Disconnect))
	mux.Handle("POST /export", limited(h.Export))
	mux.Handle("GET /exports", authed(h.ListExports))
	mux.Handle("GET /exports/{id}", authed(h.Download))
	mux.Handle("GET /exports/{id}/verify", authed(h.Verify))
	mux.Handle("GET /audit", authed(h.AuditEvents))
	mux.Handle("POST /wipe", authed(h.Wipe))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, r, ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	}
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.Tracing(cfg.ServiceName)(handler)
	handler = middleware.RequestID(handler)
	return middleware.Recoverer(cfg.Logger)(handler)
}

// requireAccount authenticates the request and stores the account id and
// the client address in the context.
func requireAccount(a Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := a.Authenticate(r)
		if err != nil {
			msg := "Authentication required"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "Session expired"
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="dkpack"`)
			writeCode(w, r, ErrCodeAuthFailed, msg)
			return
		}
		ctx := middleware.SetAccountID(r.Context(), accountID)
		ctx = audit.WithClientIP(ctx, r)
		middleware.UpdateResponseContext(w, ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
