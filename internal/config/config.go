package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	Store       string // one of the Store* constants
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Event stream
	KafkaBrokers []string
	KafkaTopic   string

	// Payload limits
	MaxImageBytes int
	MaxTextRunes  int

	// Fan-out
	SubscriberBacklog   int
	WSMessagesPerSecond float64

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on a missing or non-durable store.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		Store:               strings.ToLower(getEnv("STORE", StoreMemory)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          getEnv("SQLITE_PATH", "./data/roomsync.db"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        getList("KAFKA_BROKERS", nil),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "roomsync.messages"),
		MaxImageBytes:       getInt("MAX_IMAGE_BYTES", 1<<20),
		MaxTextRunes:        getInt("MAX_TEXT_RUNES", 4000),
		SubscriberBacklog:   getInt("SUBSCRIBER_BACKLOG", 1024),
		WSMessagesPerSecond: getFloat("WS_MESSAGES_PER_SECOND", 5),
		RateLimitWhitelist:  getList("RATE_LIMIT_WHITELIST", nil),
		AutoBlockEnabled:    getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
		CORSAllowedOrigins:  getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite, StorePostgres, StoreRedis:
	default:
		panic("STORE must be one of memory, sqlite, postgres, redis")
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		panic("DATABASE_URL is required when STORE=postgres")
	}
	if cfg.Store == StoreRedis && cfg.RedisURL == "" {
		panic("REDIS_URL is required when STORE=redis")
	}

	// In production, messages must survive a restart
	if cfg.Env == "production" && cfg.Store == StoreMemory {
		panic("STORE=memory is not allowed in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// KafkaEnabled reports whether message events should be published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return defaultValue
}

// getList parses a comma-separated variable, skipping blank entries.
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
