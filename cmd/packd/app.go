package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/audit"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/collect"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/config"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/db"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/export"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider/github"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider/microsoft"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/service"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/signing"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// signingLockKey is the Redis key guarding signing state creation.
const signingLockKey = "dkpack:signing:lock"

// app is the fully wired service shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *db.DB
	redis    *redis.Client
	service  *service.Service
	registry *prometheus.Registry
	http     *middleware.Metrics
}

// newApp opens storage and wires the service graph.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	cipher, err := vault.NewCipher(cfg.VaultMasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise vault: %w", err)
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: database}
	if err := database.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	store, err := a.exportStore()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	collectMetrics := collect.NewMetrics()
	exportMetrics := export.NewMetrics()
	a.http = middleware.NewMetrics()
	for _, reg := range []interface {
		Register(prometheus.Registerer) error
	}{collectMetrics, exportMetrics, a.http} {
		if err := reg.Register(a.registry); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	evidenceRepo := db.NewEvidenceRepository(database)
	auditRepo := db.NewAuditRepository(database)
	tokensCfg := vault.TokensConfig{
		Cipher:     cipher,
		Repository: db.NewCredentialRepository(database),
		Logger:     logger,
	}
	if cfg.MSClientID != "" {
		tokensCfg.Refresher = microsoft.NewOAuth(microsoft.OAuthConfig{
			ClientID:     cfg.MSClientID,
			ClientSecret: cfg.MSClientSecret,
			Tenant:       cfg.MSTenant,
			LoginURL:     cfg.MSLoginURL,
		})
	}
	tokens := vault.NewTokens(tokensCfg)

	sources := []provider.Source{
		github.NewCollector(github.NewClient(provider.ClientConfig{
			BaseURL:       cfg.GitHubAPIURL,
			RatePerSecond: cfg.ProviderRateLimitRPS,
		}), tokens, logger),
		microsoft.NewCollector(microsoft.NewGraph(provider.ClientConfig{
			BaseURL:       cfg.GraphAPIURL,
			RatePerSecond: cfg.ProviderRateLimitRPS,
		}), tokens, logger),
	}

	signerCfg := signing.Config{
		StateDir:  cfg.StateDir,
		Cipher:    cipher,
		ForceHMAC: cfg.ForceHMAC(),
		Logger:    logger,
	}
	if a.redis != nil {
		signerCfg.Locker = signing.NewRedisLocker(a.redis, signingLockKey)
	}

	a.service = service.New(service.Config{
		Evidence: evidenceRepo,
		Tokens:   tokens,
		Collector: collect.New(collect.Config{
			Repository:  evidenceRepo,
			Sources:     sources,
			Connections: tokens,
			Metrics:     collectMetrics,
			Logger:      logger,
		}),
		Exports: export.NewBuilder(export.Config{
			Repository: evidenceRepo,
			Store:      store,
			Signer:     signing.NewManager(signerCfg),
			Metrics:    exportMetrics,
			Logger:     logger,
		}),
		Store:     store,
		Audit:     audit.NewLogger(auditRepo, logger),
		AuditRepo: auditRepo,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) exportStore() (exportstore.Store, error) {
	switch a.cfg.ExportBackend {
	case "s3":
		store, err := exportstore.NewS3Store(exportstore.S3Config{
			Bucket:          a.cfg.S3Bucket,
			Endpoint:        a.cfg.S3Endpoint,
			Region:          a.cfg.S3Region,
			AccessKeyID:     a.cfg.S3AccessKeyID,
			SecretAccessKey: a.cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialise s3 export store: %w", err)
		}
		return store, nil
	default:
		return exportstore.NewFileStore(a.cfg.ExportsDir), nil
	}
}

// Close releases the database and Redis connections.
func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
