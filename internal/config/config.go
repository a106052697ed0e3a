// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Signing       SigningConfig       `yaml:"signing"`
	OTP           OTPConfig           `yaml:"otp"`
	Lock          LockConfig          `yaml:"lock"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Documents     DocumentStoreConfig `yaml:"documents"`
	Redis         RedisConfig         `yaml:"redis"`
	Renderer      RendererConfig      `yaml:"renderer"`
	Storage       StorageConfig       `yaml:"storage"`
	Webhooks      WebhookConfig       `yaml:"webhooks"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig describes sender API authentication. Each API key is bound to
// one tenant and one caller identity.
type AuthConfig struct {
	APIKeys []APIKeyEntry `yaml:"api_keys"`
}

// APIKeyEntry binds an API key to a tenant and caller.
type APIKeyEntry struct {
	Key      string `yaml:"key"`
	TenantID string `yaml:"tenant_id"`
	CallerID string `yaml:"caller_id"`
}

// SigningConfig describes token issuance and document lifecycle settings.
type SigningConfig struct {
	TokenSecretEnv     string        `yaml:"token_secret_env"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	DefaultExpiryHours int           `yaml:"default_expiry_hours"`
	ExpirySweepEvery   time.Duration `yaml:"expiry_sweep_every"`
}

// OTPConfig describes one-time-code settings.
type OTPConfig struct {
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	MaxAttempts  int           `yaml:"max_attempts"`
	LockDuration time.Duration `yaml:"lock_duration"`
}

// LockConfig describes distributed lock settings.
type LockConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	AcquireRetries int           `yaml:"acquire_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RateLimitConfig describes per-caller throttling settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// DocumentStoreConfig describes document persistence settings.
type DocumentStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int           `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig describes the shared Redis connection used by the lock,
// idempotency, OTP, and rate-limit stores.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// RendererConfig describes the PDF rendering collaborator.
type RendererConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// StorageConfig describes the artifact storage collaborator.
type StorageConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	PresignTTL time.Duration `yaml:"presign_ttl"`
}

// WebhookConfig describes completion callback dispatch settings.
type WebhookConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ObservabilityConfig describes logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Signing: SigningConfig{
			TokenSecretEnv:     "SIGNET_TOKEN_SECRET",
			TokenTTL:           72 * time.Hour,
			DefaultExpiryHours: 168,
			ExpirySweepEvery:   60 * time.Second,
		},
		OTP: OTPConfig{
			DefaultTTL:   10 * time.Minute,
			MaxAttempts:  5,
			LockDuration: 30 * time.Minute,
		},
		Lock: LockConfig{
			TTL:            2 * time.Minute,
			AcquireRetries: 5,
			RetryDelay:     200 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			TTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 100,
		},
		Documents: DocumentStoreConfig{
			Driver:          "memory",
			DSNEnv:          "SIGNET_DOCUMENTS_DSN",
			MaxConns:        25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv: "SIGNET_REDIS_ADDR",
		},
		Renderer: RendererConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
		},
		Storage: StorageConfig{
			Timeout:    30 * time.Second,
			PresignTTL: 15 * time.Minute,
		},
		Webhooks: WebhookConfig{
			QueueSize:    256,
			Timeout:      10 * time.Second,
			MaxAttempts:  3,
			RetryBackoff: 5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Signing.TokenTTL <= 0 {
		errs = append(errs, "signing.token_ttl must be positive")
	}
	if c.OTP.MaxAttempts < 1 {
		errs = append(errs, "otp.max_attempts must be at least 1")
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}
	if c.Documents.Driver != "memory" && c.Documents.Driver != "postgres" {
		errs = append(errs, "documents.driver must be memory or postgres")
	}
	if c.Renderer.BaseURL == "" {
		errs = append(errs, "renderer.base_url is required")
	}
	if c.Storage.BaseURL == "" {
		errs = append(errs, "storage.base_url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SIGNET_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNET_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SIGNET_RENDERER_BASE_URL"); v != "" {
		cfg.Renderer.BaseURL = v
	}
	if v := os.Getenv("SIGNET_STORAGE_BASE_URL"); v != "" {
		cfg.Storage.BaseURL = v
	}
	if v := os.Getenv("SIGNET_DOCUMENTS_DRIVER"); v != "" {
		cfg.Documents.Driver = v
	}
	if v := os.Getenv("SIGNET_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
