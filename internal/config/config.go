package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string `env:"PORT"`
	LogLevel       string `env:"LOG_LEVEL"`
	DatabaseURL    string `env:"DATABASE_URL,secret"`
	RedisURL       string `env:"REDIS_URL,secret"`
	BusURL         string `env:"BUS_URL,secret"`
	JWTSecret      string `env:"JWT_SECRET,secret"`
	JWTExpiry      time.Duration
	AllowedOrigins []string

	// Presence tuning.
	ReapInterval   time.Duration
	StaleThreshold time.Duration
	HeartbeatTTL   time.Duration
	SessionTTL     time.Duration

	// Recent-message cache tuning.
	RecentCacheSize int
	CacheTTL        time.Duration

	// Per-event handler deadline and shutdown drain grace.
	EventDeadline time.Duration
	ShutdownGrace time.Duration

	// Policy toggles, kept configurable on purpose.
	OfflineOnShutdown bool
	PurgeOnLeave      bool
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		JWTExpiry:         getEnvDuration("JWT_EXPIRY", 24*time.Hour),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "*")),
		ReapInterval:      getEnvDuration("REAP_INTERVAL", 30*time.Second),
		StaleThreshold:    getEnvDuration("STALE_THRESHOLD", 180*time.Second),
		HeartbeatTTL:      getEnvDuration("HEARTBEAT_TTL", 30*time.Second),
		SessionTTL:        getEnvDuration("SESSION_TTL", time.Hour),
		RecentCacheSize:   getEnvInt("RECENT_CACHE_SIZE", 100),
		CacheTTL:          getEnvDuration("CACHE_TTL", 24*time.Hour),
		EventDeadline:     getEnvDuration("EVENT_DEADLINE", 5*time.Second),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		OfflineOnShutdown: getEnvBool("OFFLINE_ON_SHUTDOWN", false),
		PurgeOnLeave:      getEnvBool("PURGE_CACHE_ON_LEAVE", false),
	}

	// The bus may share the KV store's Redis instance.
	cfg.BusURL = getEnv("BUS_URL", cfg.RedisURL)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
