package config

import "fmt"

// RedisConfig configures the key-value store used exclusively for rolling
// rate limiters and distributed job locks (spec.md §5).
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

func loadRedisConfig() (RedisConfig, error) {
	url := getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0")
	if url == "" {
		return RedisConfig{}, fmt.Errorf("REDIS_URL must not be empty")
	}
	return RedisConfig{
		URL:       url,
		KeyPrefix: getEnvOrDefault("REDIS_KEY_PREFIX", "batchworks:"),
	}, nil
}
