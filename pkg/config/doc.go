// Package config provides application configuration management from environment variables.
//
// # Overview
//
// Load starts from documented defaults, overlays an optional YAML file named
// by WARDEN_CONFIG_FILE, then applies WARDEN_* environment variables, and
// validates the result. The environment always wins over the file.
//
// # Configuration Structure
//
// Server settings:
//
//	WARDEN_HOST="0.0.0.0"
//	WARDEN_PORT="8080"
//	WARDEN_HEALTH_PORT="9090"
//	WARDEN_TRUST_PROXY="false"
//
// Shared store:
//
//	WARDEN_REDIS_URL="redis://localhost:6379/0"
//	WARDEN_REDIS_POOL_SIZE="10"
//	WARDEN_REDIS_OP_TIMEOUT="2s"
//
// Keys and tokens:
//
//	WARDEN_MASTER_KEY="<64 hex chars or base64>"  # generated when empty
//	WARDEN_KEY_ROTATION_SCHEDULE="@every 1h"
//	WARDEN_KEY_ROTATION_INTERVAL="720h"
//	WARDEN_KEY_ROTATION_GRACE="168h"
//	WARDEN_ACCESS_TOKEN_TTL="15m"
//	WARDEN_REFRESH_TOKEN_TTL="168h"
//
// Sessions and two-factor:
//
//	WARDEN_SESSION_TIMEOUT="30m"
//	WARDEN_SESSION_IDLE_AFTER="5m"
//	WARDEN_SESSION_SWEEP_SCHEDULE="@every 1m"
//	WARDEN_TWO_FACTOR_ISSUER="Warden"
//
// Users and audit:
//
//	WARDEN_USERS_FILE="/etc/warden/users.yaml"
//	WARDEN_USERS_POSTGRES_URL="postgres://localhost/warden"
//	WARDEN_AUDIT_FILE_DIR="/var/log/warden"
//	WARDEN_AUDIT_POSTGRES_URL="postgres://localhost/warden"
//	WARDEN_AUDIT_ALERT_WEBHOOK_URL="https://alerts.example.com/warden"
//	WARDEN_AUDIT_RETENTION="720h"
//
// Observability settings:
//
//	WARDEN_LOG_LEVEL="info"  # debug, info, warn, error
//	WARDEN_METRICS_ENABLED="true"
//	WARDEN_OTEL_ENABLED="true"
//	WARDEN_OTEL_ENDPOINT="otel-collector:4317"
//
// The same options in YAML:
//
//	server:
//	  port: "8080"
//	tokens:
//	  access_ttl: 15m
//	sessions:
//	  timeout: 30m
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	seed, err := cfg.MasterKeySeed()
package config
