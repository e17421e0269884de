package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the FeedLens server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AI         AIConfig
	Clustering ClusteringConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	RequestsPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. When URL is empty the gateway keeps its cache and
// rate-limit windows in process memory.
type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider            string
	RequestTimeout      time.Duration
	RateLimitPerHour    int
	CacheCapacity       int
	CacheTTL            time.Duration
	MaintenanceInterval time.Duration
	Anthropic           AnthropicConfig
	OpenAI              OpenAIConfig
	Ollama              OllamaConfig
	VLLM                VLLMConfig
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type ClusteringConfig struct {
	Matching       string
	Timeout        time.Duration
	StaleAfter     time.Duration
	MaxItems       int
	ThemeThreshold float64
}

var validProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"ollama":    true,
	"vllm":      true,
}

var validMatchers = map[string]bool{
	"theme":      true,
	"positional": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Missing AI credentials are not an error: the AI features are disabled instead.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("FEEDLENS_PORT", 8080),
			Env:            envString("FEEDLENS_ENV", "development"),
			RequestsPerMin: envInt("FEEDLENS_REQUESTS_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:            envString("AI_PROVIDER", "anthropic"),
			RequestTimeout:      envDuration("AI_REQUEST_TIMEOUT", 25*time.Second),
			RateLimitPerHour:    envInt("AI_RATE_LIMIT_PER_HOUR", 100),
			CacheCapacity:       envInt("AI_CACHE_CAPACITY", 1000),
			CacheTTL:            envDuration("AI_CACHE_TTL", time.Hour),
			MaintenanceInterval: envDuration("AI_MAINTENANCE_INTERVAL", time.Hour),
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			},
			Ollama: OllamaConfig{
				BaseURL: os.Getenv("OLLAMA_BASE_URL"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: os.Getenv("VLLM_BASE_URL"),
				Model:   envString("VLLM_MODEL", ""),
				APIKey:  os.Getenv("VLLM_API_KEY"),
			},
		},
		Clustering: ClusteringConfig{
			Matching:       envString("CLUSTER_MATCHING", "theme"),
			Timeout:        envDurationSecs("CLUSTER_TIMEOUT_SECS", 30*time.Second),
			StaleAfter:     envDuration("CLUSTER_STALE_AFTER", 24*time.Hour),
			MaxItems:       envInt("CLUSTER_MAX_ITEMS", 200),
			ThemeThreshold: envFloat("CLUSTER_THEME_THRESHOLD", 0.25),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Configured reports whether the selected provider has the credential it needs.
// Every AI feature is a no-op when this is false.
func (c AIConfig) Configured() bool {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic.APIKey != ""
	case "openai":
		return c.OpenAI.APIKey != ""
	case "ollama":
		return c.Ollama.BaseURL != ""
	case "vllm":
		return c.VLLM.BaseURL != "" && c.VLLM.Model != ""
	default:
		return false
	}
}

// Model returns the model identifier of the selected provider.
func (c AIConfig) Model() string {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic.Model
	case "openai":
		return c.OpenAI.Model
	case "ollama":
		return c.Ollama.Model
	case "vllm":
		return c.VLLM.Model
	default:
		return ""
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of anthropic, openai, ollama, vllm; got %q", c.AI.Provider)
	}
	for key, u := range map[string]string{
		"ANTHROPIC_BASE_URL": c.AI.Anthropic.BaseURL,
		"OPENAI_BASE_URL":    c.AI.OpenAI.BaseURL,
		"OLLAMA_BASE_URL":    c.AI.Ollama.BaseURL,
		"VLLM_BASE_URL":      c.AI.VLLM.BaseURL,
	} {
		if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", key, u)
		}
	}

	if c.AI.RateLimitPerHour <= 0 {
		return fmt.Errorf("AI_RATE_LIMIT_PER_HOUR must be positive, got %d", c.AI.RateLimitPerHour)
	}
	if c.AI.CacheCapacity <= 0 {
		return fmt.Errorf("AI_CACHE_CAPACITY must be positive, got %d", c.AI.CacheCapacity)
	}

	if !validMatchers[c.Clustering.Matching] {
		return fmt.Errorf("CLUSTER_MATCHING must be one of theme, positional; got %q", c.Clustering.Matching)
	}
	if c.Clustering.ThemeThreshold < 0 || c.Clustering.ThemeThreshold > 1 {
		return fmt.Errorf("CLUSTER_THEME_THRESHOLD must be within [0, 1], got %v", c.Clustering.ThemeThreshold)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
