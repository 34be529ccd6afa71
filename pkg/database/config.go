// Package database provides PostgreSQL pool management, tenant-schema
// provisioning, and migrations for the shared and per-workspace schemas.
package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds PostgreSQL connection and pool configuration, loaded once at
// startup (grounded on the teacher's pkg/database.Config / LoadConfigFromEnv).
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// MaxConnsPerWorkspace bounds the pgxpool.Pool opened for each tenant's
	// schema (spec.md §5: "small maxPoolSize (~10) per workspace connection
	// to avoid FD exhaustion on sharded clusters").
	MaxConnsPerWorkspace int32

	// MaxSharedConns bounds the single pool used for shared-schema tables.
	MaxSharedConns int32

	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// WorkspaceIdleEvict closes a workspace's pool once unused for this
	// long, so handlers never hold a long-lived workspace connection open.
	WorkspaceIdleEvict time.Duration
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxWorkspaceConns, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_CONNS_PER_WORKSPACE", "10"))
	maxSharedConns, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_SHARED_CONNS", "25"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_IDLE_TIME: %w", err)
	}
	idleEvict, err := time.ParseDuration(getEnvOrDefault("DB_WORKSPACE_IDLE_EVICT", "5m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_WORKSPACE_IDLE_EVICT: %w", err)
	}

	cfg := Config{
		Host:                 getEnvOrDefault("DB_HOST", "localhost"),
		Port:                 port,
		User:                 getEnvOrDefault("DB_USER", "batchworks"),
		Password:             os.Getenv("DB_PASSWORD"),
		Database:             getEnvOrDefault("DB_NAME", "batchworks"),
		SSLMode:              getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxConnsPerWorkspace: int32(maxWorkspaceConns),
		MaxSharedConns:       int32(maxSharedConns),
		ConnMaxLifetime:      maxLifetime,
		ConnMaxIdleTime:      maxIdleTime,
		WorkspaceIdleEvict:   idleEvict,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for obviously-broken values.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.MaxConnsPerWorkspace < 1 {
		return fmt.Errorf("DB_MAX_CONNS_PER_WORKSPACE must be at least 1")
	}
	if c.MaxSharedConns < 1 {
		return fmt.Errorf("DB_MAX_SHARED_CONNS must be at least 1")
	}
	return nil
}

// DSN builds a libpq-style connection string. When schema is non-empty it is
// set as the connection's search_path, so queries issued against the
// resulting pool resolve unqualified table names within that schema.
func (c Config) DSN(schema string) string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
	if schema != "" {
		dsn += fmt.Sprintf(" search_path=%s", schema)
	}
	return dsn
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
