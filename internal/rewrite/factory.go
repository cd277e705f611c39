package rewrite

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/memoir-cowriter/internal/memoir"
)

// NewClient creates an OpenAI-compatible client for baseURL.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// NewPolisher returns a model-backed Service when apiKey is set, otherwise Echo.
func NewPolisher(baseURL, apiKey string, cfg Config, logger *slog.Logger) memoir.Polisher {
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey == "" {
		logger.Info("No LLM API key configured, answers will be kept verbatim")
		return Echo{}
	}
	return NewService(NewClient(baseURL, apiKey, nil), cfg, logger)
}
