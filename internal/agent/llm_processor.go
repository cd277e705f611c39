package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/memoir-cowriter/internal/domain"
)

var (
	errEmptyResponse   = errors.New("model returned no choices")
	errToolRoundsLimit = errors.New("tool round limit reached")
)

var systemPrompt = strings.TrimSpace(dedent.Dedent(`
	You are a warm memoir co-writer. Help the user recall meaningful moments
	and turn them into short, vivid memoir paragraphs.

	Use ask_reflective_question to fetch interview questions (indices 0 to 4),
	rewrite_memoir to polish an experience the user shares, and compile_memoir
	to join finished paragraphs into one document. Keep replies brief.
`))

// ChatCompleter is the subset of the go-openai client used by LLMProcessor.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMProcessor runs a tool-calling loop against a chat completion model.
type LLMProcessor struct {
	client   ChatCompleter
	registry *ToolRegistry
	cfg      Config
	logger   *slog.Logger
}

// NewLLMProcessor creates a processor that may call the tools in registry.
func NewLLMProcessor(client ChatCompleter, registry *ToolRegistry, cfg Config, logger *slog.Logger) *LLMProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = def.MaxToolRounds
	}
	return &LLMProcessor{client: client, registry: registry, cfg: cfg, logger: logger}
}

// Chat answers req, executing tool calls until the model replies with text
// or the round limit is reached.
func (p *LLMProcessor) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		messages := buildMessages(req)
		var used []string

		for round := 0; round <= p.cfg.MaxToolRounds; round++ {
			// The last round withholds tools so the model has to answer.
			withTools := round < p.cfg.MaxToolRounds
			msg, err := p.complete(ctx, messages, withTools)
			if err != nil {
				yield(nil, err)
				return
			}

			if len(msg.ToolCalls) == 0 {
				yield(&ChatResponse{Response: msg.Content, ToolsUsed: used}, nil)
				return
			}

			if msg.Content != "" {
				if !yield(&ChatResponse{Response: msg.Content}, nil) {
					return
				}
			}

			messages = append(messages, msg)
			for _, call := range msg.ToolCalls {
				used = append(used, call.Function.Name)
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    p.runTool(ctx, req, call),
					Name:       call.Function.Name,
					ToolCallID: call.ID,
				})
			}
		}
		yield(nil, errToolRoundsLimit)
	}
}

func (p *LLMProcessor) complete(ctx context.Context, messages []openai.ChatCompletionMessage, withTools bool) (openai.ChatCompletionMessage, error) {
	creq := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	if withTools && p.registry != nil {
		creq.Tools = p.registry.Definitions()
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, errEmptyResponse
	}
	return resp.Choices[0].Message, nil
}

func (p *LLMProcessor) runTool(ctx context.Context, req ChatRequest, call openai.ToolCall) string {
	if p.registry == nil {
		return toolError(fmt.Errorf("no executor registered for %s", call.Function.Name))
	}
	out, err := p.registry.Execute(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
	if err != nil {
		p.logger.Warn("Tool call failed",
			"tool", call.Function.Name,
			"user_id", req.UserID,
			"session_id", req.SessionID,
			"error", err,
		)
		return toolError(err)
	}
	p.logger.Debug("Tool call completed", "tool", call.Function.Name, "session_id", req.SessionID)
	return string(out)
}

// Close releases resources.
func (p *LLMProcessor) Close() {}

func toolError(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func buildMessages(req ChatRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})
}

func storedExchange(user, assistant string) []domain.StoredMessage {
	return []domain.StoredMessage{
		{Role: openai.ChatMessageRoleUser, Content: user},
		{Role: openai.ChatMessageRoleAssistant, Content: assistant},
	}
}
