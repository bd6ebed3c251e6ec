package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/llm-router/internal/router"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database, optional. Without it the API runs unauthenticated and usage is not logged.
	PostgresDSN string

	// Cache, optional. Without it tenant token limiting is off.
	RedisAddr string

	// Providers. ProvidersFile wins over the per-vendor keys below.
	ProvidersFile         string
	OpenAIAPIKey          string
	OpenAIModel           string
	AnthropicAPIKey       string
	AnthropicModel        string
	AzureOpenAIAPIKey     string
	AzureOpenAIEndpoint   string
	AzureOpenAIDeployment string
	AzureOpenAIAPIVersion string

	// Routing defaults; the providers file may override them.
	Routing router.RoutingConfig

	// Queues
	QueueDepth  int
	QueuePacing time.Duration

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string
	LogFormat            string // "text" or "json"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		ProvidersFile:         os.Getenv("PROVIDERS_FILE"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:        getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		AzureOpenAIAPIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureOpenAIEndpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIDeployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		AzureOpenAIAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
		OTELExporterType:      getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:  getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = getEnvInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}
	if cfg.QueueDepth, err = getEnvInt("QUEUE_DEPTH", router.DefaultQueueDepth); err != nil {
		return nil, err
	}
	if cfg.QueuePacing, err = getEnvDuration("QUEUE_PACING", router.DefaultQueuePacing); err != nil {
		return nil, err
	}

	def := router.DefaultRoutingConfig()
	cfg.Routing.UserPreference = os.Getenv("ROUTING_USER_PREFERENCE")
	if cfg.Routing.TaskComplexityThreshold, err = getEnvFloat("ROUTING_TASK_COMPLEXITY_THRESHOLD", def.TaskComplexityThreshold); err != nil {
		return nil, err
	}
	if cfg.Routing.ContextSizeThreshold, err = getEnvInt("ROUTING_CONTEXT_SIZE_THRESHOLD", def.ContextSizeThreshold); err != nil {
		return nil, err
	}
	if cfg.Routing.RateLimitThreshold, err = getEnvFloat("ROUTING_RATE_LIMIT_THRESHOLD", def.RateLimitThreshold); err != nil {
		return nil, err
	}
	if cfg.Routing.EnableFallback, err = getEnvBool("ROUTING_ENABLE_FALLBACK", def.EnableFallback); err != nil {
		return nil, err
	}

	// Validation
	if cfg.Routing.RateLimitThreshold < 0 || cfg.Routing.RateLimitThreshold > 1 {
		return nil, fmt.Errorf("ROUTING_RATE_LIMIT_THRESHOLD must be within [0,1]")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
