package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	ServerPort string
	GinMode    string
	LogLevel   string
	LogFormat  string
	RedisURL   string

	// UpstreamBaseURL is the root of the third-party exam service,
	// including the trailing slash (request paths are appended verbatim).
	UpstreamBaseURL string

	// JWTSecret signs both local session tokens and the short-lived
	// assertions sent upstream. It must match the upstream's verifier.
	JWTSecret        string
	SessionTokenTTL  time.Duration
	UpstreamTokenTTL time.Duration

	// ServiceAccountID/Email form the fixed operator identity used when
	// replaying queued writes after the original caller's session is gone.
	ServiceAccountID    string
	ServiceAccountEmail string
	SchoolID            string

	// WriteQueueName is the active queue generation. The name has been
	// rotated across deployments, so it is configuration, never a constant.
	WriteQueueName string
	// LegacyQueueName, when set, is drained once into WriteQueueName at
	// startup before the replay engine begins.
	LegacyQueueName string
	// PreloadRetryQueueName holds per-student-exam preload failures.
	PreloadRetryQueueName string

	// QueuePollInterval is how long the replay engine sleeps when its
	// queue is empty.
	QueuePollInterval time.Duration
	// ConnectivityRetryDelay is the fixed wait between attempts while the
	// upstream is unreachable. Connectivity retries are unbounded.
	ConnectivityRetryDelay time.Duration
	// ReplayBackoffBase is the base for the 2^attempts exponential backoff
	// applied to logic-class replay failures.
	ReplayBackoffBase time.Duration
	// ReplayMaxAttempts is the non-connectivity retry budget before an
	// entry is dead-lettered.
	ReplayMaxAttempts int
	// PreloadCycle is the pause between full preloader passes.
	PreloadCycle time.Duration

	BcryptCost int
	// AllowedOrigins controls HTTP CORS.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // Ignore error — .env is optional

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "3001"),
		GinMode:    getEnv("GIN_MODE", "debug"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "pretty"),
		RedisURL:   getEnv("REDIS_URL", "redis://localhost:6379/0"),

		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "http://localhost:5000/"),

		JWTSecret:        getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
		SessionTokenTTL:  getEnvDuration("SESSION_TOKEN_TTL", 5*time.Hour),
		UpstreamTokenTTL: getEnvDuration("UPSTREAM_TOKEN_TTL", 5*time.Minute),

		ServiceAccountID:    getEnv("SERVICE_ACCOUNT_ID", ""),
		ServiceAccountEmail: getEnv("SERVICE_ACCOUNT_EMAIL", ""),
		SchoolID:            getEnv("SCHOOL_ID", ""),

		WriteQueueName:        getEnv("WRITE_QUEUE_NAME", "request-log"),
		LegacyQueueName:       getEnv("LEGACY_QUEUE_NAME", ""),
		PreloadRetryQueueName: getEnv("PRELOAD_RETRY_QUEUE_NAME", "preload-retries"),

		QueuePollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
		ConnectivityRetryDelay: getEnvDuration("CONNECTIVITY_RETRY_DELAY", 5*time.Second),
		ReplayBackoffBase:      getEnvDuration("REPLAY_BACKOFF_BASE", 100*time.Millisecond),
		ReplayMaxAttempts:      getEnvInt("REPLAY_MAX_ATTEMPTS", 3),
		PreloadCycle:           getEnvDuration("PRELOAD_CYCLE", 120*time.Second),

		BcryptCost:     getEnvInt("BCRYPT_COST", 10),
		AllowedOrigins: parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
