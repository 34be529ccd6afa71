// Package config loads process configuration from environment variables
// (and an optional .env file), mirroring the teacher's layered approach of
// small per-concern structs assembled into one umbrella Config.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"

	"github.com/brandsignal/batchworks/pkg/database"
)

// Config is the umbrella configuration object passed to every component at
// wiring time (cmd/batchworks/main.go).
type Config struct {
	Database    database.Config
	Redis       RedisConfig
	Scheduler   SchedulerConfig
	Router      RouterConfig
	Retention   RetentionConfig
	Providers   ProviderConfig
	HTTPPort    string
	HTTPTimeout time.Duration
}

// Load reads an optional dotenv file (a missing file is logged as a
// warning, not returned as an error) and assembles Config from the
// environment, validating as it goes.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("loading .env file failed, using process environment only", "path", envPath, "error", err)
		}
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("loading database config: %w", err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		return nil, fmt.Errorf("loading redis config: %w", err)
	}

	cfg := &Config{
		Database:    dbCfg,
		Redis:       redisCfg,
		Scheduler:   DefaultSchedulerConfig(),
		Router:      DefaultRouterConfig(),
		Retention:   DefaultRetentionConfig(),
		Providers:   loadProviderConfig(),
		HTTPPort:    getEnvOrDefault("HTTP_PORT", "8080"),
		HTTPTimeout: 30 * time.Second,
	}

	if err := applySchedulerOverride(&cfg.Scheduler); err != nil {
		return nil, fmt.Errorf("applying scheduler config override: %w", err)
	}

	return cfg, nil
}

// applySchedulerOverride merges an optional operator-supplied partial
// SchedulerConfig (SCHEDULER_CONFIG_OVERRIDE_JSON) onto the computed
// defaults, non-zero fields winning — the same "defaults merged with
// user-provided config" shape the teacher uses for its queue config.
func applySchedulerOverride(cfg *SchedulerConfig) error {
	raw := os.Getenv("SCHEDULER_CONFIG_OVERRIDE_JSON")
	if raw == "" {
		return nil
	}
	var override SchedulerConfig
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return fmt.Errorf("decoding SCHEDULER_CONFIG_OVERRIDE_JSON: %w", err)
	}
	return mergo.Merge(cfg, override, mergo.WithOverride)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
