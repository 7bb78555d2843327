// Package config loads the pack service configuration. Values come from an
// optional YAML file overlaid by environment variables, using koanf.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every setting of packd.
type Config struct {
	// Server
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	ExportsDir  string `koanf:"exports_dir"`
	StateDir    string `koanf:"state_dir"`

	// Secrets
	VaultMasterKey        string        `koanf:"vault_master_key"`
	SessionSecret         string        `koanf:"session_secret"`
	SessionSecretPrevious string        `koanf:"session_secret_previous"`
	SessionTTL            time.Duration `koanf:"session_ttl"`

	// Microsoft OAuth (token refresh)
	MSClientID     string `koanf:"ms_client_id"`
	MSClientSecret string `koanf:"ms_client_secret"`
	MSTenant       string `koanf:"ms_tenant"`
	MSLoginURL     string `koanf:"ms_login_url"`

	// Provider APIs
	GitHubAPIURL         string  `koanf:"github_api_url"`
	GraphAPIURL          string  `koanf:"graph_api_url"`
	ProviderRateLimitRPS float64 `koanf:"provider_rate_limit_rps"`

	// Export store
	ExportBackend     string `koanf:"export_backend"`
	S3Bucket          string `koanf:"s3_bucket"`
	S3Endpoint        string `koanf:"s3_endpoint"`
	S3AccessKeyID     string `koanf:"s3_access_key_id"`
	S3SecretAccessKey string `koanf:"s3_secret_access_key"`
	S3Region          string `koanf:"s3_region"`

	// Redis (signing lock and API rate limits); optional.
	RedisURL string `koanf:"redis_url"`

	// Signing
	SigningMode string `koanf:"signing_mode"`

	// API rate limit for collect and export, per account and minute.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL    = errors.New("DATABASE_URL is required")
	ErrMissingVaultKey       = errors.New("VAULT_MASTER_KEY is required")
	ErrMissingSessionSecret  = errors.New("SESSION_SECRET is required to serve the API")
	ErrUnsupportedDatabase   = errors.New("DATABASE_URL must start with postgres://, postgresql:// or sqlite:")
	ErrInvalidPort           = errors.New("PORT must be a valid port number")
	ErrInvalidNumber         = errors.New("value must be a valid number")
	ErrInvalidExportBackend  = errors.New("EXPORT_BACKEND must be file or s3")
	ErrMissingS3Bucket       = errors.New("S3_BUCKET is required when EXPORT_BACKEND=s3")
	ErrMissingS3Credentials  = errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required when EXPORT_BACKEND=s3")
	ErrInvalidSigningMode    = errors.New("SIGNING_MODE must be auto or hmac")
	ErrIncompleteMSOAuth     = errors.New("MS_CLIENT_ID and MS_CLIENT_SECRET must be set together")
	ErrInvalidRateLimit      = errors.New("PROVIDER_RATE_LIMIT_RPS and RATE_LIMIT_PER_MINUTE must not be negative")
	ErrInvalidTracingExport  = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidTracingSampler = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
)

// Defaults for non-secret settings.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultExportsDir         = "data/exports"
	DefaultStateDir           = "data/state"
	DefaultMSTenant           = "organizations"
	DefaultExportBackend      = "file"
	DefaultS3Region           = "auto"
	DefaultSigningMode        = "auto"
	DefaultRateLimitPerMinute = 10
	DefaultSessionTTL         = 12 * time.Hour
	DefaultTracingExporter    = "otlp-http"
	DefaultTracingSampleRate  = 0.1
)

// Load reads an optional YAML file and overlays environment variables.
// It returns the config and every validation error found.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	var loadErrs []error
	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	collect(err)
	rps, err := getEnvFloatOrDefault("PROVIDER_RATE_LIMIT_RPS", k.Float64("provider_rate_limit_rps"), 0)
	collect(err)
	perMinute, err := getEnvIntOrDefault("RATE_LIMIT_PER_MINUTE", k.Int("rate_limit_per_minute"), DefaultRateLimitPerMinute)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)
	sessionTTL, err := getEnvDurationOrDefault("SESSION_TTL", k.Duration("session_ttl"), DefaultSessionTTL)
	collect(err)

	cfg := &Config{
		Port:                  port,
		Env:                   getEnvOrDefault("ENV", k.String("env"), DefaultEnv),
		DatabaseURL:           getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		ExportsDir:            getEnvOrDefault("EXPORTS_DIR", k.String("exports_dir"), DefaultExportsDir),
		StateDir:              getEnvOrDefault("STATE_DIR", k.String("state_dir"), DefaultStateDir),
		VaultMasterKey:        getEnvOrKoanf("VAULT_MASTER_KEY", k, "vault_master_key"),
		SessionSecret:         getEnvOrKoanf("SESSION_SECRET", k, "session_secret"),
		SessionSecretPrevious: getEnvOrKoanf("SESSION_SECRET_PREVIOUS", k, "session_secret_previous"),
		SessionTTL:            sessionTTL,
		MSClientID:            getEnvOrKoanf("MS_CLIENT_ID", k, "ms_client_id"),
		MSClientSecret:        getEnvOrKoanf("MS_CLIENT_SECRET", k, "ms_client_secret"),
		MSTenant:              getEnvOrDefault("MS_TENANT", k.String("ms_tenant"), DefaultMSTenant),
		MSLoginURL:            getEnvOrKoanf("MS_LOGIN_URL", k, "ms_login_url"),
		GitHubAPIURL:          getEnvOrKoanf("GITHUB_API_URL", k, "github_api_url"),
		GraphAPIURL:           getEnvOrKoanf("GRAPH_API_URL", k, "graph_api_url"),
		ProviderRateLimitRPS:  rps,
		ExportBackend:         strings.ToLower(getEnvOrDefault("EXPORT_BACKEND", k.String("export_backend"), DefaultExportBackend)),
		S3Bucket:              getEnvOrKoanf("S3_BUCKET", k, "s3_bucket"),
		S3Endpoint:            getEnvOrKoanf("S3_ENDPOINT", k, "s3_endpoint"),
		S3AccessKeyID:         getEnvOrKoanf("S3_ACCESS_KEY_ID", k, "s3_access_key_id"),
		S3SecretAccessKey:     getEnvOrKoanf("S3_SECRET_ACCESS_KEY", k, "s3_secret_access_key"),
		S3Region:              getEnvOrDefault("S3_REGION", k.String("s3_region"), DefaultS3Region),
		RedisURL:              getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		SigningMode:           strings.ToLower(getEnvOrDefault("SIGNING_MODE", k.String("signing_mode"), DefaultSigningMode)),
		RateLimitPerMinute:    perMinute,
		TracingEnabled:        getEnvBool("TRACING_ENABLED", k, "tracing_enabled"),
		TracingExporter:       getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:       getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:     sampleRate,
		TracingInsecure:       getEnvBool("TRACING_INSECURE", k, "tracing_insecure"),
	}

	return cfg, append(loadErrs, cfg.Validate()...)
}

func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

func getEnvOrDefault(envKey, koanfVal, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault treats a zero file value as unset.
func getEnvIntOrDefault(envKey string, koanfVal, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			if envKey == "PORT" {
				return 0, fmt.Errorf("%s=%q: %w", envKey, val, ErrInvalidPort)
			}
			return 0, fmt.Errorf("%s=%q: %w", envKey, val, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

func getEnvFloatOrDefault(envKey string, koanfVal, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s=%q: %w", envKey, val, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

func getEnvDurationOrDefault(envKey string, koanfVal, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s=%q: %w", envKey, val, ErrInvalidNumber)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

func getEnvBool(envKey string, k *koanf.Koanf, koanfKey string) bool {
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return k.Bool(koanfKey)
}

// Validate checks settings every command needs.
func (c *Config) Validate() []error {
	var errs []error

	switch {
	case c.DatabaseURL == "":
		errs = append(errs, ErrMissingDatabaseURL)
	case !strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://") &&
		!strings.HasPrefix(c.DatabaseURL, "sqlite:"):
		errs = append(errs, ErrUnsupportedDatabase)
	}
	if c.VaultMasterKey == "" {
		errs = append(errs, ErrMissingVaultKey)
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}

	switch c.ExportBackend {
	case "file":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, ErrMissingS3Bucket)
		}
		if c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
			errs = append(errs, ErrMissingS3Credentials)
		}
	default:
		errs = append(errs, ErrInvalidExportBackend)
	}

	if c.SigningMode != "auto" && c.SigningMode != "hmac" {
		errs = append(errs, ErrInvalidSigningMode)
	}
	if (c.MSClientID == "") != (c.MSClientSecret == "") {
		errs = append(errs, ErrIncompleteMSOAuth)
	}
	if c.ProviderRateLimitRPS < 0 || c.RateLimitPerMinute < 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.TracingEnabled {
		if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
			errs = append(errs, ErrInvalidTracingExport)
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidTracingSampler)
		}
	}
	return errs
}

// ValidateServe runs the checks only the HTTP server needs, on top of
// Validate.
func (c *Config) ValidateServe() []error {
	var errs []error
	if c.SessionSecret == "" {
		errs = append(errs, ErrMissingSessionSecret)
	}
	return errs
}

// ForceHMAC reports whether Ed25519 signing is disabled.
func (c *Config) ForceHMAC() bool {
	return c.SigningMode == "hmac"
}

// LogSummary returns the configuration with every secret masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                    strconv.Itoa(c.Port),
		"env":                     c.Env,
		"database_url":            maskDatabaseURL(c.DatabaseURL),
		"exports_dir":             c.ExportsDir,
		"state_dir":               c.StateDir,
		"vault_master_key":        maskSecret(c.VaultMasterKey),
		"session_secret":          maskSecret(c.SessionSecret),
		"session_secret_previous": maskSecret(c.SessionSecretPrevious),
		"session_ttl":             c.SessionTTL.String(),
		"ms_client_id":            c.MSClientID,
		"ms_client_secret":        maskSecret(c.MSClientSecret),
		"ms_tenant":               c.MSTenant,
		"ms_login_url":            c.MSLoginURL,
		"github_api_url":          c.GitHubAPIURL,
		"graph_api_url":           c.GraphAPIURL,
		"provider_rate_limit_rps": strconv.FormatFloat(c.ProviderRateLimitRPS, 'f', -1, 64),
		"export_backend":          c.ExportBackend,
		"s3_bucket":               c.S3Bucket,
		"s3_endpoint":             c.S3Endpoint,
		"s3_access_key_id":        maskSecret(c.S3AccessKeyID),
		"s3_secret_access_key":    maskSecret(c.S3SecretAccessKey),
		"s3_region":               c.S3Region,
		"redis_url":               maskDatabaseURL(c.RedisURL),
		"signing_mode":            c.SigningMode,
		"rate_limit_per_minute":   strconv.Itoa(c.RateLimitPerMinute),
		"tracing_enabled":         strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":        c.TracingExporter,
		"tracing_endpoint":        c.TracingEndpoint,
		"tracing_sample_rate":     strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret shows the first 4 characters of secrets of 8 or more
// characters and masks shorter ones completely.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password of a user:password@host URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return s
	}
	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s
	}
	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}
	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
