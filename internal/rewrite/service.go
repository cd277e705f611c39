// Package rewrite turns raw recollections into memoir prose through an
// OpenAI-compatible chat completion endpoint. Polish never fails: every error
// degrades to the raw text.
package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/dedent"
	"github.com/sashabaranov/go-openai"
)

// Default request parameters.
const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1"
	DefaultModel       = "llama3-8b-8192"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 256
	DefaultTimeout     = 30 * time.Second
)

var promptTemplate = strings.TrimSpace(dedent.Dedent(`
	Rewrite this personal experience as an emotional and vivid memoir in 3-4 sentences:

	%s
`))

// Completer is the subset of the go-openai client used here.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config holds rewrite settings.
type Config struct {
	Model          string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	FallbackPrefix string
}

// Service rewrites text with a chat completion model.
type Service struct {
	client Completer
	cfg    Config
	logger *slog.Logger
}

// NewService creates a rewrite service around client.
func NewService(client Completer, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	return &Service{client: client, cfg: cfg, logger: logger}
}

// Polish returns a memoir-style rewrite of raw, or the fallback on failure.
func (s *Service) Polish(ctx context.Context, raw string) string {
	text, rwErr := s.TryPolish(ctx, raw)
	if rwErr != nil {
		s.logger.Warn("rewrite failed, using fallback",
			"kind", rwErr.Kind.String(),
			"error", rwErr.Err,
			"input_length", len(raw),
		)
		return s.fallback(raw)
	}
	return text
}

// TryPolish runs the rewrite with retries and reports the typed failure.
func (s *Service) TryPolish(ctx context.Context, raw string) (string, *Error) {
	var last *Error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			s.logger.Debug("retrying rewrite",
				"attempt", attempt+1,
				"delay", delay,
				"kind", last.Kind.String(),
			)
			select {
			case <-ctx.Done():
				return "", classify(ctx.Err())
			case <-time.After(delay):
			}
		}

		text, err := s.attempt(ctx, raw)
		if err == nil {
			return text, nil
		}
		last = classify(err)
		if !last.Kind.Retryable() {
			break
		}
	}
	return "", last
}

func (s *Service) attempt(ctx context.Context, raw string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf(promptTemplate, raw),
		}},
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindMalformed, Err: errEmptyCompletion}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &Error{Kind: KindMalformed, Err: errEmptyCompletion}
	}
	return text, nil
}

func (s *Service) fallback(raw string) string {
	return s.cfg.FallbackPrefix + raw
}

// Echo returns its input unchanged. It stands in for the model when no API
// key is configured.
type Echo struct{}

// Polish returns raw.
func (Echo) Polish(_ context.Context, raw string) string {
	return raw
}
