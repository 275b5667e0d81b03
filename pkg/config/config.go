// Package config loads application configuration from DEPOT_* environment
// variables and validates it before the server starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/depot-registry/depot/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	PermCache     PermCacheConfig
	Sessions      SessionConfig
	Artifacts     ArtifactConfig
	Jobs          JobsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL                 string
	ReplicaURLs         string // comma-separated read replicas
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	HealthCheckInterval time.Duration
}

// RedisConfig holds Redis configuration; invalidation fan-out is disabled
// when Enabled is false.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// PermCacheConfig bounds the in-process permission cache.
type PermCacheConfig struct {
	TTL       time.Duration
	MaxWeight int
}

// SessionConfig controls issued API session tokens.
type SessionConfig struct {
	TTL time.Duration
}

// ArtifactConfig selects the artifact storage backend.
type ArtifactConfig struct {
	Backend        string // "filesystem" or "s3"
	FilesystemRoot string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3PathStyle    bool
}

// JobsConfig holds cron schedules for background maintenance.
type JobsConfig struct {
	Enabled              bool
	SessionSweepSchedule string
	CacheSweepSchedule   string
	StatsSchedule        string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// OTel adapts the observability section to the OTel bootstrap config.
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("DEPOT_HOST", "0.0.0.0"),
			Port:            getEnv("DEPOT_PORT", "8080"),
			ReadTimeout:     getEnvDuration("DEPOT_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("DEPOT_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("DEPOT_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("DEPOT_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:                 getEnv("DEPOT_POSTGRES_URL", ""),
			ReplicaURLs:         getEnv("DEPOT_POSTGRES_REPLICA_URLS", ""),
			MaxOpenConns:        getEnvInt("DEPOT_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:        getEnvInt("DEPOT_POSTGRES_IDLE_CONNS", 5),
			ConnMaxLifetime:     getEnvDuration("DEPOT_POSTGRES_CONN_LIFETIME", 5*time.Minute),
			HealthCheckInterval: getEnvDuration("DEPOT_POSTGRES_HEALTH_INTERVAL", 30*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("DEPOT_REDIS_ENABLED", false),
			Addr:     getEnv("DEPOT_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("DEPOT_REDIS_PASSWORD", ""),
			DB:       getEnvInt("DEPOT_REDIS_DB", 0),
		},
		PermCache: PermCacheConfig{
			TTL:       getEnvDuration("DEPOT_PERMCACHE_TTL", 5*time.Minute),
			MaxWeight: getEnvInt("DEPOT_PERMCACHE_MAX_WEIGHT", 4096),
		},
		Sessions: SessionConfig{
			TTL: getEnvDuration("DEPOT_SESSION_TTL", 30*24*time.Hour),
		},
		Artifacts: ArtifactConfig{
			Backend:        getEnv("DEPOT_ARTIFACT_BACKEND", "filesystem"),
			FilesystemRoot: getEnv("DEPOT_ARTIFACT_ROOT", "/var/lib/depot/artifacts"),
			S3Endpoint:     getEnv("DEPOT_S3_ENDPOINT", ""),
			S3Region:       getEnv("DEPOT_S3_REGION", "us-east-1"),
			S3Bucket:       getEnv("DEPOT_S3_BUCKET", ""),
			S3AccessKey:    getEnv("DEPOT_S3_ACCESS_KEY", ""),
			S3SecretKey:    getEnv("DEPOT_S3_SECRET_KEY", ""),
			S3PathStyle:    getEnvBool("DEPOT_S3_PATH_STYLE", false),
		},
		Jobs: JobsConfig{
			Enabled:              getEnvBool("DEPOT_JOBS_ENABLED", true),
			SessionSweepSchedule: getEnv("DEPOT_SESSION_SWEEP_SCHEDULE", "@every 15m"),
			CacheSweepSchedule:   getEnv("DEPOT_CACHE_SWEEP_SCHEDULE", "@every 5m"),
			StatsSchedule:        getEnv("DEPOT_STATS_SCHEDULE", "@every 1m"),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLevel(getEnv("DEPOT_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("DEPOT_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("DEPOT_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("DEPOT_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("DEPOT_OTEL_SERVICE_NAME", "depot"),
			OTelServiceVersion: getEnv("DEPOT_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("DEPOT_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.PermCache.TTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
	}
	if c.PermCache.MaxWeight <= 0 {
		return fmt.Errorf("permission cache max weight must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}

	switch c.Artifacts.Backend {
	case "filesystem":
		if c.Artifacts.FilesystemRoot == "" {
			return fmt.Errorf("artifact root is required for filesystem storage")
		}
	case "s3":
		if c.Artifacts.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid artifact backend: %s (must be filesystem or s3)", c.Artifacts.Backend)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

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

// ReplicaURLList splits the comma-separated replica URLs, dropping blanks.
func (c *DatabaseConfig) ReplicaURLList() []string {
	if c.ReplicaURLs == "" {
		return nil
	}
	parts := strings.Split(c.ReplicaURLs, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
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
