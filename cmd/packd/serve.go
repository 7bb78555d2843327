package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/api"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/auth"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/config"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/health"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

const serviceName = "dkpack"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig((*config.Config).ValidateServe)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("starting packd", "version", version, "config", cfg.LogSummary())

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	checkers := map[string]api.HealthChecker{"database": health.NewDBChecker(a.db)}
	var limiter middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	if a.redis != nil {
		checkers["redis"] = health.NewRedisChecker(a.redis)
		limiter = middleware.NewRedisRateLimitStore(a.redis)
	}

	handler := api.NewRouter(api.RouterConfig{
		Service: a.service,
		Authenticator: auth.NewSessionService(auth.SessionConfig{
			Secret:         cfg.SessionSecret,
			PreviousSecret: cfg.SessionSecretPrevious,
			TTL:            cfg.SessionTTL,
		}),
		Health:         api.NewHealthHandlers(api.HealthHandlersConfig{Checkers: checkers}),
		Metrics:        a.http,
		Gatherer:       a.registry,
		RateLimitStore: limiter,
		RateLimit:      middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitPerMinute, WindowDuration: time.Minute},
		ServiceName:    serviceName,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Collection fans out to provider APIs with 20s timeouts each.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down server", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
