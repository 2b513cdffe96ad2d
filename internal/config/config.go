// Package config loads service settings from the environment with sane
// local-development defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	API       APIConfig
	Jobs      JobsConfig
	Engine    EngineConfig
	Intake    IntakeConfig
	Export    ExportConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Trace     TraceConfig
}

type APIConfig struct {
	Addr        string
	CORSOrigins []string
}

type JobsConfig struct {
	MaxConcurrent int
	EngineTimeout time.Duration
}

type EngineConfig struct {
	Command string
	Model   string
}

type IntakeConfig struct {
	UploadDir    string
	MaxSizeBytes int64
}

type ExportConfig struct {
	Dir string
}

// RateLimitConfig throttles the mutating job endpoints. An empty RedisAddr
// disables rate limiting entirely.
type RateLimitConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Capacity      int
	Window        time.Duration
	UserIDHeader  string
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	return Config{
		API: APIConfig{
			Addr:        env("DOCFLOW_API_ADDR", ":8080"),
			CORSOrigins: envList("DOCFLOW_CORS_ORIGINS"),
		},
		Jobs: JobsConfig{
			MaxConcurrent: envInt("DOCFLOW_MAX_CONCURRENT_JOBS", 5),
			EngineTimeout: envDuration("DOCFLOW_ENGINE_TIMEOUT", 5*time.Minute),
		},
		Engine: EngineConfig{
			Command: env("DOCFLOW_ENGINE_CMD", "docling"),
			Model:   env("DOCFLOW_ENGINE_MODEL", "granite-docling-258m"),
		},
		Intake: IntakeConfig{
			UploadDir:    env("DOCFLOW_UPLOAD_DIR", "./.docflow-uploads"),
			MaxSizeBytes: envInt64("DOCFLOW_MAX_FILE_SIZE", 50<<20),
		},
		Export: ExportConfig{
			Dir: env("DOCFLOW_EXPORT_DIR", os.TempDir()),
		},
		RateLimit: RateLimitConfig{
			RedisAddr:     env("REDIS_ADDR", ""),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Capacity:      envInt("DOCFLOW_RATE_LIMIT_CAPACITY", 30),
			Window:        envDuration("DOCFLOW_RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader:  env("DOCFLOW_RATE_LIMIT_USER_HEADER", "X-User-ID"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("DOCFLOW_WEBHOOK_SECRET", ""),
			Timeout:        envDuration("DOCFLOW_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("DOCFLOW_WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("DOCFLOW_WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("DOCFLOW_WEBHOOK_MAX_BACKOFF", 30*time.Second),
		},
		Trace: TraceConfig{
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTLP_ENDPOINT", "localhost:4318"),
			OTLPInsecure: envBool("OTLP_INSECURE", true),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envList(key string) []string {
	value := env(key, "")
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
