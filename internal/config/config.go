package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port     string
	MongoURI string
	RedisURL string

	// Lock service (optional - empty means fail-open local mode)
	LockServiceURL string
	LockTTL        time.Duration

	// Text-completion oracle (optional - OpenAI-compatible API)
	CompletionBaseURL string
	CompletionAPIKey  string
	CompletionModel   string
	CompletionTimeout time.Duration

	// Vector search oracle (optional)
	VectorServiceURL string
	VectorAPIKey     string
	VectorTopK       int

	// Queue worker
	QueueEnabled      bool
	QueuePollInterval time.Duration
	QueueMaxAttempts  int

	// Style template file (YAML, hot-reloaded)
	StyleConfigPath string

	// Nightly pre-generation schedule (cron expression, empty disables)
	PregenCron string

	// Safety identifier hashing key
	SafetyHashKey string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "3002"),
		MongoURI: getEnv("MONGODB_URI", ""),
		RedisURL: getEnv("REDIS_URL", ""),

		LockServiceURL: getEnv("LOCK_SERVICE_URL", ""),
		LockTTL:        getDurationEnv("LOCK_TTL", 10*time.Minute),

		CompletionBaseURL: getEnv("COMPLETION_BASE_URL", ""),
		CompletionAPIKey:  getEnv("COMPLETION_API_KEY", ""),
		CompletionModel:   getEnv("COMPLETION_MODEL", "gpt-4o-mini"),
		CompletionTimeout: getDurationEnv("COMPLETION_TIMEOUT", 12*time.Second),

		VectorServiceURL: getEnv("VECTOR_SERVICE_URL", ""),
		VectorAPIKey:     getEnv("VECTOR_API_KEY", ""),
		VectorTopK:       getIntEnv("VECTOR_TOP_K", 8),

		QueueEnabled:      getBoolEnv("QUEUE_ENABLED", true),
		QueuePollInterval: getDurationEnv("QUEUE_POLL_INTERVAL", 1*time.Second),
		QueueMaxAttempts:  getIntEnv("QUEUE_MAX_ATTEMPTS", 5),

		StyleConfigPath: getEnv("STYLE_CONFIG_PATH", "styles.yaml"),

		PregenCron: getEnv("PREGEN_CRON", "0 3 * * *"),

		SafetyHashKey: getEnv("SAFETY_HASH_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
