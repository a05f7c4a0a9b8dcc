package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DatabaseURL string

	// HTTP
	Port string

	// Redis sink; empty address logs batches instead
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Batching
	BatchTypes          []string
	MaxRecords          int
	MaxLatency          time.Duration
	IdleTimeout         time.Duration
	RetryDelay          time.Duration
	RecoveryConcurrency int

	// Logging
	LogLevel string
}

// Load reads the configuration from the environment and panics on invalid values
func Load() Config {
	cfg := Config{
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		Port:          getEnv("PORT", "8080"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	cfg.RedisDB = mustInt("REDIS_DB", "0", 0)
	cfg.MaxRecords = mustInt("BATCH_MAX_RECORDS", "100", 1)
	cfg.MaxLatency = time.Duration(mustInt("BATCH_MAX_LATENCY_MS", "500", 1)) * time.Millisecond
	cfg.IdleTimeout = time.Duration(mustInt("BATCH_IDLE_TIMEOUT_SECONDS", "30", 1)) * time.Second
	cfg.RetryDelay = time.Duration(mustInt("BATCH_RETRY_DELAY_MS", "1000", 1)) * time.Millisecond
	cfg.RecoveryConcurrency = mustInt("RECOVERY_CONCURRENCY", "8", 1)

	cfg.BatchTypes = splitList(getEnv("BATCH_TYPES", ""))

	// Validate required fields
	if cfg.DatabaseURL == "" {
		panic("DATABASE_URL is required")
	}

	if len(cfg.BatchTypes) == 0 {
		panic("BATCH_TYPES is required")
	}

	return cfg
}

func mustInt(key, defaultValue string, min int) int {
	v, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", key, err))
	}
	if v < min {
		panic(fmt.Sprintf("invalid %s: must be at least %d", key, min))
	}
	return v
}

// splitList parses a comma separated list, dropping blanks and duplicates
func splitList(value string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}
