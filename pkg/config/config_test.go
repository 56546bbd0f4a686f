package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "WARDEN_TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "WARDEN_TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true", envValue: "true", want: true},
		{name: "one", envValue: "1", want: true},
		{name: "case insensitive", envValue: "TRUE", want: true},
		{name: "false overrides default", envValue: "false", defaultValue: true, want: false},
		{name: "unset keeps default", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WARDEN_TEST_BOOL", tt.envValue)

			got := getEnvBool("WARDEN_TEST_BOOL", tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     int
	}{
		{name: "returns parsed int", envValue: "42", want: 42},
		{name: "returns default for invalid int", envValue: "invalid", want: 10},
		{name: "returns default when not set", want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WARDEN_TEST_INT", tt.envValue)

			got := getEnvInt("WARDEN_TEST_INT", 10)
			if got != tt.want {
				t.Errorf("getEnvInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{name: "returns parsed duration", envValue: "90s", want: 90 * time.Second},
		{name: "returns default for invalid duration", envValue: "soon", want: time.Minute},
		{name: "returns default when not set", want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WARDEN_TEST_DURATION", tt.envValue)

			got := getEnvDuration("WARDEN_TEST_DURATION", time.Minute)
			if got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration should be valid: %v", err)
	}

	if cfg.Tokens.AccessTTL != 15*time.Minute {
		t.Errorf("AccessTTL = %v, want 15m", cfg.Tokens.AccessTTL)
	}
	if cfg.Tokens.RefreshTTL != 168*time.Hour {
		t.Errorf("RefreshTTL = %v, want 168h", cfg.Tokens.RefreshTTL)
	}
	if cfg.Sessions.Timeout != 30*time.Minute {
		t.Errorf("session Timeout = %v, want 30m", cfg.Sessions.Timeout)
	}
	if cfg.Keys.GracePeriod != 7*24*time.Hour {
		t.Errorf("GracePeriod = %v, want 168h", cfg.Keys.GracePeriod)
	}
	if cfg.Observability.Level() != observability.InfoLevel {
		t.Errorf("log level = %v, want info", cfg.Observability.Level())
	}

	seed, err := cfg.MasterKeySeed()
	if err != nil || seed != nil {
		t.Errorf("MasterKeySeed() = %v, %v; want nil seed so one is generated", seed, err)
	}
}

func TestLoad_Environment(t *testing.T) {
	masterKey := strings.Repeat("ab", 32)
	t.Setenv("WARDEN_PORT", "8443")
	t.Setenv("WARDEN_TRUST_PROXY", "true")
	t.Setenv("WARDEN_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("WARDEN_REDIS_DB", "2")
	t.Setenv("WARDEN_MASTER_KEY", masterKey)
	t.Setenv("WARDEN_ACCESS_TOKEN_TTL", "5m")
	t.Setenv("WARDEN_SESSION_SWEEP_SCHEDULE", "@every 30s")
	t.Setenv("WARDEN_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "8443" {
		t.Errorf("Port = %q, want 8443", cfg.Server.Port)
	}
	if !cfg.Server.TrustProxy {
		t.Error("TrustProxy should be true")
	}
	if cfg.Redis.URL != "redis://cache:6379/1" || cfg.Redis.DB != 2 {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Tokens.AccessTTL != 5*time.Minute {
		t.Errorf("AccessTTL = %v, want 5m", cfg.Tokens.AccessTTL)
	}
	if cfg.Sessions.SweepSchedule != "@every 30s" {
		t.Errorf("SweepSchedule = %q", cfg.Sessions.SweepSchedule)
	}
	if cfg.Observability.Level() != observability.DebugLevel {
		t.Errorf("log level = %v, want debug", cfg.Observability.Level())
	}

	seed, err := cfg.MasterKeySeed()
	if err != nil {
		t.Fatalf("MasterKeySeed() error = %v", err)
	}
	if len(seed) != 32 || seed[0] != 0xab {
		t.Errorf("MasterKeySeed() = %x", seed)
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	file := `
server:
  port: "7000"
  health_port: "7001"
redis:
  url: redis://file:6379/0
  op_timeout: 500ms
tokens:
  access_ttl: 10m
  issuer: file-issuer
audit:
  capacity: 50
  file_dir: /var/log/warden
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("WARDEN_PORT", "7443")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// the environment wins over the file
	if cfg.Server.Port != "7443" {
		t.Errorf("Port = %q, want 7443", cfg.Server.Port)
	}
	if cfg.Server.HealthPort != "7001" {
		t.Errorf("HealthPort = %q, want 7001", cfg.Server.HealthPort)
	}
	if cfg.Redis.URL != "redis://file:6379/0" || cfg.Redis.OpTimeout != 500*time.Millisecond {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Tokens.AccessTTL != 10*time.Minute || cfg.Tokens.Issuer != "file-issuer" {
		t.Errorf("Tokens = %+v", cfg.Tokens)
	}
	// options the file leaves out keep their defaults
	if cfg.Tokens.RefreshTTL != 168*time.Hour {
		t.Errorf("RefreshTTL = %v, want default", cfg.Tokens.RefreshTTL)
	}
	if cfg.Audit.Capacity != 50 || cfg.Audit.FileDir != "/var/log/warden" {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "absent.yaml"))
		if _, err := Load(); err == nil {
			t.Error("expected error for missing config file")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv(EnvConfigFile, path)
		if _, err := Load(); err == nil {
			t.Error("expected error for malformed config file")
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("WARDEN_MASTER_KEY", "not-a-key")
		_, err := Load()
		if err == nil || !strings.Contains(err.Error(), "master key") {
			t.Errorf("Load() error = %v, want master key error", err)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults"},
		{
			name:    "missing port",
			modify:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port is required",
		},
		{
			name:    "missing health port",
			modify:  func(c *Config) { c.Server.HealthPort = "" },
			wantErr: "health port is required",
		},
		{
			name:    "same ports",
			modify:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: "must be different",
		},
		{
			name:    "missing redis",
			modify:  func(c *Config) { c.Redis.URL = "" },
			wantErr: "redis URL is required",
		},
		{
			name:    "short master key",
			modify:  func(c *Config) { c.Keys.MasterKey = "abcd" },
			wantErr: "invalid master key",
		},
		{
			name:   "base64 master key",
			modify: func(c *Config) { c.Keys.MasterKey = "q6urq6urq6urq6urq6urq6urq6urq6urq6urq6urq6s=" },
		},
		{
			name:    "access outlives refresh",
			modify:  func(c *Config) { c.Tokens.AccessTTL = 200 * time.Hour },
			wantErr: "must be shorter than refresh",
		},
		{
			name:    "idle after timeout",
			modify:  func(c *Config) { c.Sessions.IdleAfter = time.Hour },
			wantErr: "idle-after",
		},
		{
			name:    "bad rotation schedule",
			modify:  func(c *Config) { c.Keys.RotationSchedule = "whenever" },
			wantErr: "invalid key rotation schedule",
		},
		{
			name:    "bad sweep schedule",
			modify:  func(c *Config) { c.Sessions.SweepSchedule = "* *" },
			wantErr: "invalid session sweep schedule",
		},
		{
			name:    "zero audit capacity",
			modify:  func(c *Config) { c.Audit.Capacity = 0 },
			wantErr: "audit capacity",
		},
		{
			name: "otel without endpoint",
			modify: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "OpenTelemetry endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if tt.modify != nil {
				tt.modify(cfg)
			}

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
