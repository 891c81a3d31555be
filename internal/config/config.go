// Package config loads and validates runtime configuration from VERITAS_*
// environment variables. Defaults favor a local single-node deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Provider names accepted for LLM and embedding backends.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderNone   = "none"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	Host            string
	Debug           bool
	LogLevel        string
	MaxBodyBytes    int64
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Auth settings.
	APIKey         string // shared secret for X-API-Key, required
	APISecret      string // HMAC key for stream tokens; empty disables issuance
	StreamTokenTTL time.Duration

	// Storage settings.
	DataDir          string
	PolicyPath       string
	MemoryMaxRecords int

	// LLM settings.
	LLMProvider   string
	LLMBaseURL    string
	LLMAPIKey     string
	LLMModel      string
	LLMTimeout    time.Duration
	LLMMaxRetries int

	// Embedding settings.
	EmbedProvider string
	EmbedBaseURL  string
	EmbedAPIKey   string
	EmbedModel    string
	EmbedDim      int

	// Web search settings.
	WebSearchURL    string
	WebSearchAPIKey string

	// Rate limiting (per client).
	RateLimitPerMinute int
	RateLimitBurst     int

	// Telemetry settings. Empty endpoint disables OTEL export.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// MCP settings.
	MCPEnabled bool
}

// Load reads the environment, applies defaults, and validates.
func Load() (*Config, error) {
	dataDir := envStr("VERITAS_DATA_DIR", "./data")
	cfg := &Config{
		Port:            envInt("VERITAS_PORT", 8080),
		Host:            envStr("VERITAS_HOST", "0.0.0.0"),
		Debug:           envBool("VERITAS_DEBUG", false),
		LogLevel:        strings.ToLower(envStr("VERITAS_LOG_LEVEL", "info")),
		MaxBodyBytes:    int64(envInt("VERITAS_MAX_BODY_BYTES", 10<<20)),
		ReadTimeout:     envDuration("VERITAS_READ_TIMEOUT", 30*time.Second),
		ShutdownTimeout: envDuration("VERITAS_SHUTDOWN_TIMEOUT", 10*time.Second),

		APIKey:         os.Getenv("VERITAS_API_KEY"),
		APISecret:      os.Getenv("VERITAS_API_SECRET"),
		StreamTokenTTL: envDuration("VERITAS_STREAM_TOKEN_TTL", 5*time.Minute),

		DataDir:          dataDir,
		PolicyPath:       envStr("VERITAS_POLICY_PATH", filepath.Join(dataDir, "fuji_policy.json")),
		MemoryMaxRecords: envInt("VERITAS_MEMORY_MAX_RECORDS", 10000),

		LLMProvider:   strings.ToLower(envStr("VERITAS_LLM_PROVIDER", ProviderNone)),
		LLMBaseURL:    envStr("VERITAS_LLM_BASE_URL", "http://localhost:11434"),
		LLMAPIKey:     os.Getenv("VERITAS_LLM_API_KEY"),
		LLMModel:      envStr("VERITAS_LLM_MODEL", "llama3.1"),
		LLMTimeout:    envDuration("VERITAS_LLM_TIMEOUT", 60*time.Second),
		LLMMaxRetries: envInt("VERITAS_LLM_MAX_RETRIES", 3),

		EmbedProvider: strings.ToLower(envStr("VERITAS_EMBED_PROVIDER", ProviderNone)),
		EmbedBaseURL:  envStr("VERITAS_EMBED_BASE_URL", "http://localhost:11434"),
		EmbedAPIKey:   os.Getenv("VERITAS_EMBED_API_KEY"),
		EmbedModel:    envStr("VERITAS_EMBED_MODEL", "nomic-embed-text"),
		EmbedDim:      envInt("VERITAS_EMBED_DIM", 768),

		WebSearchURL:    os.Getenv("VERITAS_WEBSEARCH_URL"),
		WebSearchAPIKey: os.Getenv("VERITAS_WEBSEARCH_API_KEY"),

		RateLimitPerMinute: envInt("VERITAS_RATELIMIT_PER_MINUTE", 120),
		RateLimitBurst:     envInt("VERITAS_RATELIMIT_BURST", 30),

		OTELEndpoint: os.Getenv("VERITAS_OTEL_ENDPOINT"),
		OTELInsecure: envBool("VERITAS_OTEL_INSECURE", false),
		ServiceName:  envStr("VERITAS_SERVICE_NAME", "veritas"),

		MCPEnabled: envBool("VERITAS_MCP_ENABLED", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: VERITAS_DATA_DIR must not be empty")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("config: VERITAS_POLICY_PATH must not be empty")
	}
	if c.APIKey == "" {
		return fmt.Errorf("config: VERITAS_API_KEY must not be empty")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: VERITAS_MAX_BODY_BYTES must be positive")
	}
	if c.MemoryMaxRecords <= 0 {
		return fmt.Errorf("config: VERITAS_MEMORY_MAX_RECORDS must be positive")
	}
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderOllama, ProviderNone:
	default:
		return fmt.Errorf("config: unknown LLM provider %q", c.LLMProvider)
	}
	switch c.EmbedProvider {
	case ProviderOpenAI, ProviderOllama, ProviderNone:
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.EmbedProvider)
	}
	if c.LLMProvider == ProviderOpenAI && c.LLMAPIKey == "" {
		return fmt.Errorf("config: VERITAS_LLM_API_KEY required for openai provider")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("config: VERITAS_LLM_TIMEOUT must be positive")
	}
	if c.LLMMaxRetries < 0 {
		return fmt.Errorf("config: VERITAS_LLM_MAX_RETRIES must not be negative")
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("config: VERITAS_EMBED_DIM must be positive")
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limit values must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
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

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
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
