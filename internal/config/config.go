// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	SessionTTL         time.Duration
	SweepInterval      time.Duration
	MaxRequestBodySize int64
	LLM                LLMConfig
	Agent              AgentConfig
	RateLimit          RateLimitConfig
	ConversationLog    ConversationLogConfig
}

// LLMConfig configures the OpenAI-compatible endpoint used for rewrites and chat.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	FallbackPrefix string
}

// AgentConfig controls the chat agent.
type AgentConfig struct {
	Enabled       bool
	Model         string
	MaxToolRounds int
	HistoryLimit  int
}

// RateLimitConfig controls per-user chat throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxSizeMB     int
	MaxBackups    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	apiKey := getEnv("GROQ_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("LLM_API_KEY", "")
	}
	model := getEnv("LLM_MODEL", "llama3-8b-8192")

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/memoir.db"),
		SessionTTL:         getEnvDuration("SESSION_TTL", 24*time.Hour),
		SweepInterval:      getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		LLM: LLMConfig{
			BaseURL:        getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
			APIKey:         apiKey,
			Model:          model,
			Temperature:    getEnvFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:      getEnvInt("LLM_MAX_TOKENS", 256),
			Timeout:        time.Duration(getEnvInt("REWRITE_TIMEOUT_MS", 30000)) * time.Millisecond,
			MaxRetries:     getEnvInt("REWRITE_MAX_RETRIES", 1),
			FallbackPrefix: getEnv("REWRITE_FALLBACK_PREFIX", ""),
		},
		Agent: AgentConfig{
			Enabled:       getEnvBool("AGENT_ENABLED", true),
			Model:         getEnv("AGENT_MODEL", model),
			MaxToolRounds: getEnvInt("AGENT_MAX_TOOL_ROUNDS", 5),
			HistoryLimit:  getEnvInt("AGENT_HISTORY_LIMIT", 20),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
			MaxSizeMB:     getEnvInt("CONVERSATION_LOG_MAX_SIZE_MB", 50),
			MaxBackups:    getEnvInt("CONVERSATION_LOG_MAX_BACKUPS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("REWRITE_TIMEOUT_MS must be > 0")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("REWRITE_MAX_RETRIES must be >= 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be within [0, 2]")
	}
	if c.Agent.MaxToolRounds <= 0 {
		return fmt.Errorf("AGENT_MAX_TOOL_ROUNDS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// AIEnabled reports whether the chat agent can run.
func (c *Config) AIEnabled() bool {
	return c.Agent.Enabled && c.LLM.APIKey != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
