package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase storage
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Render provider
	ProviderURL      string
	ProviderAPIKey   string
	WebhookBaseURL   string // Public base URL of this API, used to build per-job callback URLs
	WebhookSecret    string // Shared secret the provider echoes back in X-Webhook-Secret
	DispatchTimeout  time.Duration

	// Scheduler
	PollInterval        time.Duration
	LeaseDuration       time.Duration
	DispatchConcurrency int // Bounded fan-out within a claimed job
	MaxDispatchAttempts int
	RenderTimeout       time.Duration // Dispatched chunk with no webhook past this is failed-by-timeout

	// Tempo / planning
	ChunkTargetSeconds float64 // Provider cap on a single render request
	DefaultBPM         int     // Applied when the client does not supply a BPM
	DurationToleranceSec float64

	// Billing
	CreditsPerChunk     int64
	CreditsPerChunkPro  int64
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "lipsync-videos"),

		ProviderURL:     getEnv("PROVIDER_URL", "https://api.renderloop.dev/v1"),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		WebhookBaseURL:  getEnv("WEBHOOK_BASE_URL", ""),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),
		DispatchTimeout: getEnvDuration("DISPATCH_TIMEOUT", 30*time.Second),

		PollInterval:        getEnvDuration("POLL_INTERVAL", 5*time.Second),
		LeaseDuration:       getEnvDuration("LEASE_DURATION", 2*time.Minute),
		DispatchConcurrency: getEnvInt("DISPATCH_CONCURRENCY", 3),
		MaxDispatchAttempts: getEnvInt("MAX_DISPATCH_ATTEMPTS", 3),
		RenderTimeout:       getEnvDuration("RENDER_TIMEOUT", 15*time.Minute),

		ChunkTargetSeconds:   getEnvFloat("CHUNK_TARGET_SECONDS", 9.0),
		DefaultBPM:           getEnvInt("DEFAULT_BPM", 120),
		DurationToleranceSec: getEnvFloat("DURATION_TOLERANCE_SECONDS", 30.0),

		CreditsPerChunk:    int64(getEnvInt("CREDITS_PER_CHUNK", 10)),
		CreditsPerChunkPro: int64(getEnvInt("CREDITS_PER_CHUNK_PRO", 8)),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ProviderAPIKey == "" {
		return nil, fmt.Errorf("PROVIDER_API_KEY is required")
	}

	if cfg.WebhookBaseURL == "" {
		return nil, fmt.Errorf("WEBHOOK_BASE_URL is required (the provider must be able to call back)")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if cfg.DispatchConcurrency < 1 {
		return nil, fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}

// ChunkCost returns the per-chunk debit for a tier.
func (c *Config) ChunkCost(pro bool) int64 {
	if pro {
		return c.CreditsPerChunkPro
	}
	return c.CreditsPerChunk
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
