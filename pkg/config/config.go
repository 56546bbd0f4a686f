package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/warden/pkg/keys"
	"github.com/platinummonkey/warden/pkg/kv"
	"github.com/platinummonkey/warden/pkg/observability"
)

// EnvConfigFile names an optional YAML file loaded before the environment.
const EnvConfigFile = "WARDEN_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         kv.Config           `yaml:"redis"`
	Keys          KeysConfig          `yaml:"keys"`
	Tokens        TokenConfig         `yaml:"tokens"`
	Sessions      SessionConfig       `yaml:"sessions"`
	TwoFactor     TwoFactorConfig     `yaml:"two_factor"`
	Identity      IdentityConfig      `yaml:"identity"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s liveness and readiness checks)
	HealthPort string `yaml:"health_port"`

	// TrustProxy takes client addresses from X-Forwarded-For
	TrustProxy bool `yaml:"trust_proxy"`
}

// KeysConfig holds master key and rotation settings
type KeysConfig struct {
	// MasterKey is a 32-byte seed, hex or base64. Empty generates one.
	MasterKey        string        `yaml:"master_key"`
	RotationSchedule string        `yaml:"rotation_schedule"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
	GracePeriod      time.Duration `yaml:"grace_period"`
}

// TokenConfig holds token lifetimes
type TokenConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	Issuer     string        `yaml:"issuer"`
}

// SessionConfig holds session timing
type SessionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	IdleAfter     time.Duration `yaml:"idle_after"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// TwoFactorConfig holds TOTP settings
type TwoFactorConfig struct {
	Issuer     string        `yaml:"issuer"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

// IdentityConfig selects the user store
type IdentityConfig struct {
	// UsersFile is a YAML user list. Ignored when PostgresURL is set.
	UsersFile   string `yaml:"users_file"`
	PostgresURL string `yaml:"postgres_url"`
	BcryptCost  int    `yaml:"bcrypt_cost"`
}

// AuditConfig holds audit retention and sinks
type AuditConfig struct {
	Capacity        int           `yaml:"capacity"`
	Retention       time.Duration `yaml:"retention"`
	FileDir         string        `yaml:"file_dir"`
	PostgresURL     string        `yaml:"postgres_url"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`

	// SinkBuffer and SinkTimeout bound each file or database sink.
	SinkBuffer  int           `yaml:"sink_buffer"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`

	// AlertWebhookURL receives high-significance events when set.
	AlertWebhookURL    string `yaml:"alert_webhook_url"`
	AlertWebhookSecret string `yaml:"alert_webhook_secret"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// Level returns the parsed log level.
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLevel(o.LogLevel)
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Redis: kv.Config{
			URL:        "redis://localhost:6379/0",
			MaxRetries: 3,
			PoolSize:   10,
			OpTimeout:  2 * time.Second,
		},
		Keys: KeysConfig{
			RotationSchedule: "@every 1h",
			RotationInterval: 30 * 24 * time.Hour,
			GracePeriod:      7 * 24 * time.Hour,
		},
		Tokens: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Issuer:     "warden",
		},
		Sessions: SessionConfig{
			Timeout:       30 * time.Minute,
			IdleAfter:     5 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		TwoFactor: TwoFactorConfig{
			Issuer:     "Warden",
			PendingTTL: 10 * time.Minute,
		},
		Identity: IdentityConfig{
			BcryptCost: 12,
		},
		Audit: AuditConfig{
			Capacity:        10000,
			Retention:       30 * 24 * time.Hour,
			CleanupSchedule: "@daily",
			SinkBuffer:      1024,
			SinkTimeout:     5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "warden",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file
// named by WARDEN_CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides every option whose variable is set.
func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("WARDEN_HOST", s.Host)
	s.Port = getEnv("WARDEN_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("WARDEN_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WARDEN_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("WARDEN_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("WARDEN_HEALTH_PORT", s.HealthPort)
	s.TrustProxy = getEnvBool("WARDEN_TRUST_PROXY", s.TrustProxy)

	r := &c.Redis
	r.URL = getEnv("WARDEN_REDIS_URL", r.URL)
	r.Password = getEnv("WARDEN_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("WARDEN_REDIS_DB", r.DB)
	r.MaxRetries = getEnvInt("WARDEN_REDIS_MAX_RETRIES", r.MaxRetries)
	r.PoolSize = getEnvInt("WARDEN_REDIS_POOL_SIZE", r.PoolSize)
	r.OpTimeout = getEnvDuration("WARDEN_REDIS_OP_TIMEOUT", r.OpTimeout)

	k := &c.Keys
	k.MasterKey = getEnv("WARDEN_MASTER_KEY", k.MasterKey)
	k.RotationSchedule = getEnv("WARDEN_KEY_ROTATION_SCHEDULE", k.RotationSchedule)
	k.RotationInterval = getEnvDuration("WARDEN_KEY_ROTATION_INTERVAL", k.RotationInterval)
	k.GracePeriod = getEnvDuration("WARDEN_KEY_ROTATION_GRACE", k.GracePeriod)

	c.Tokens.AccessTTL = getEnvDuration("WARDEN_ACCESS_TOKEN_TTL", c.Tokens.AccessTTL)
	c.Tokens.RefreshTTL = getEnvDuration("WARDEN_REFRESH_TOKEN_TTL", c.Tokens.RefreshTTL)
	c.Tokens.Issuer = getEnv("WARDEN_TOKEN_ISSUER", c.Tokens.Issuer)

	c.Sessions.Timeout = getEnvDuration("WARDEN_SESSION_TIMEOUT", c.Sessions.Timeout)
	c.Sessions.IdleAfter = getEnvDuration("WARDEN_SESSION_IDLE_AFTER", c.Sessions.IdleAfter)
	c.Sessions.SweepSchedule = getEnv("WARDEN_SESSION_SWEEP_SCHEDULE", c.Sessions.SweepSchedule)

	c.TwoFactor.Issuer = getEnv("WARDEN_TWO_FACTOR_ISSUER", c.TwoFactor.Issuer)
	c.TwoFactor.PendingTTL = getEnvDuration("WARDEN_TWO_FACTOR_PENDING_TTL", c.TwoFactor.PendingTTL)

	c.Identity.UsersFile = getEnv("WARDEN_USERS_FILE", c.Identity.UsersFile)
	c.Identity.PostgresURL = getEnv("WARDEN_USERS_POSTGRES_URL", c.Identity.PostgresURL)
	c.Identity.BcryptCost = getEnvInt("WARDEN_BCRYPT_COST", c.Identity.BcryptCost)

	a := &c.Audit
	a.Capacity = getEnvInt("WARDEN_AUDIT_CAPACITY", a.Capacity)
	a.Retention = getEnvDuration("WARDEN_AUDIT_RETENTION", a.Retention)
	a.FileDir = getEnv("WARDEN_AUDIT_FILE_DIR", a.FileDir)
	a.PostgresURL = getEnv("WARDEN_AUDIT_POSTGRES_URL", a.PostgresURL)
	a.CleanupSchedule = getEnv("WARDEN_AUDIT_CLEANUP_SCHEDULE", a.CleanupSchedule)
	a.SinkBuffer = getEnvInt("WARDEN_AUDIT_SINK_BUFFER", a.SinkBuffer)
	a.SinkTimeout = getEnvDuration("WARDEN_AUDIT_SINK_TIMEOUT", a.SinkTimeout)
	a.AlertWebhookURL = getEnv("WARDEN_AUDIT_ALERT_WEBHOOK_URL", a.AlertWebhookURL)
	a.AlertWebhookSecret = getEnv("WARDEN_AUDIT_ALERT_WEBHOOK_SECRET", a.AlertWebhookSecret)

	o := &c.Observability
	o.LogLevel = getEnv("WARDEN_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("WARDEN_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("WARDEN_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("WARDEN_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("WARDEN_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("WARDEN_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("WARDEN_OTEL_INSECURE", o.OTelInsecure)
}

// MasterKeySeed decodes the configured master key. A nil seed means one
// should be generated.
func (c *Config) MasterKeySeed() ([]byte, error) {
	if c.Keys.MasterKey == "" {
		return nil, nil
	}
	return keys.ParseMasterKey(c.Keys.MasterKey)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Redis.OpTimeout <= 0 {
		return fmt.Errorf("redis operation timeout must be positive")
	}

	if _, err := c.MasterKeySeed(); err != nil {
		return fmt.Errorf("invalid master key: %w", err)
	}
	if c.Keys.RotationInterval <= 0 || c.Keys.GracePeriod <= 0 {
		return fmt.Errorf("key rotation interval and grace period must be positive")
	}

	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		return fmt.Errorf("access token TTL (%s) must be shorter than refresh token TTL (%s)", c.Tokens.AccessTTL, c.Tokens.RefreshTTL)
	}

	if c.Sessions.Timeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.Sessions.IdleAfter <= 0 || c.Sessions.IdleAfter >= c.Sessions.Timeout {
		return fmt.Errorf("session idle-after (%s) must be positive and shorter than the timeout (%s)", c.Sessions.IdleAfter, c.Sessions.Timeout)
	}
	if c.TwoFactor.PendingTTL <= 0 {
		return fmt.Errorf("two-factor pending TTL must be positive")
	}

	for name, expr := range map[string]string{
		"key rotation":  c.Keys.RotationSchedule,
		"session sweep": c.Sessions.SweepSchedule,
		"audit cleanup": c.Audit.CleanupSchedule,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, expr, err)
		}
	}

	if c.Audit.Capacity <= 0 || c.Audit.Retention <= 0 {
		return fmt.Errorf("audit capacity and retention must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
