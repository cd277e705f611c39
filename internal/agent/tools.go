package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/memoir-cowriter/internal/memoir"
)

// Tool names exposed to the model.
const (
	ToolAskQuestion = "ask_reflective_question"
	ToolRewrite     = "rewrite_memoir"
	ToolCompile     = "compile_memoir"
)

// Toolkit is the capability set behind the memoir tools.
type Toolkit interface {
	Question(index int) string
	Polish(ctx context.Context, raw string) string
	Join(paragraphs []string) string
}

type memoirToolkit struct {
	polisher memoir.Polisher
}

// NewToolkit returns a Toolkit backed by the question bank and polisher.
func NewToolkit(polisher memoir.Polisher) Toolkit {
	return memoirToolkit{polisher: polisher}
}

func (k memoirToolkit) Question(index int) string { return memoir.QuestionAt(index) }

func (k memoirToolkit) Polish(ctx context.Context, raw string) string {
	return k.polisher.Polish(ctx, raw)
}

func (k memoirToolkit) Join(paragraphs []string) string { return memoir.Join(paragraphs) }

// ExecutorFunc runs a tool with raw JSON arguments.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

type tool struct {
	definition openai.FunctionDefinition
	exec       ExecutorFunc
}

// ToolRegistry stores tool executors and their schemas keyed by name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]tool)}
}

// Register adds a tool. params is a pointer to the argument struct whose
// schema is sent to the model.
func (r *ToolRegistry) Register(name, description string, params any, exec ExecutorFunc) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("executor already registered for %s", name)
	}
	r.tools[name] = tool{
		definition: openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  reflectSchema(params),
		},
		exec: exec,
	}
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register that panics on error.
func (r *ToolRegistry) MustRegister(name, description string, params any, exec ExecutorFunc) {
	if err := r.Register(name, description, params, exec); err != nil {
		panic(err)
	}
}

// Execute runs the executor for name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for %s", name)
	}
	return t.exec(ctx, args)
}

// Definitions returns the registered tools in registration order.
func (r *ToolRegistry) Definitions() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].definition
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: &def})
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func reflectSchema(params any) *jsonschema.Schema {
	if params == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(params)
	s.Version = ""
	s.ID = ""
	return s
}

// AskQuestionArgs are the arguments of ask_reflective_question.
type AskQuestionArgs struct {
	Index int `json:"index" jsonschema:"description=0-based index into the question bank,minimum=0"`
}

// RewriteArgs are the arguments of rewrite_memoir.
type RewriteArgs struct {
	Text string `json:"text" jsonschema:"description=The personal experience to rewrite"`
}

// CompileArgs are the arguments of compile_memoir.
type CompileArgs struct {
	Paragraphs Paragraphs `json:"paragraphs" jsonschema:"description=Memoir paragraphs in order"`
}

// Paragraphs decodes either a JSON array of strings or a single string.
type Paragraphs []string

// UnmarshalJSON accepts a string as a one-item list.
func (p *Paragraphs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*p = Paragraphs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("paragraphs must be a string or a list of strings")
	}
	*p = many
	return nil
}

// JSONSchema describes the accepted shapes.
func (Paragraphs) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			{Type: "string"},
		},
	}
}

type toolResult struct {
	Question string `json:"question,omitempty"`
	Memoir   string `json:"memoir,omitempty"`
}

// NewMemoirRegistry registers the three memoir tools against kit.
func NewMemoirRegistry(kit Toolkit) *ToolRegistry {
	r := NewToolRegistry()
	r.MustRegister(ToolAskQuestion,
		"Return the reflective interview question at the given index.",
		&AskQuestionArgs{},
		func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args AskQuestionArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			return json.Marshal(toolResult{Question: kit.Question(args.Index)})
		})
	r.MustRegister(ToolRewrite,
		"Rewrite a personal experience as a short, vivid memoir paragraph.",
		&RewriteArgs{},
		func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args RewriteArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if strings.TrimSpace(args.Text) == "" {
				return nil, errors.New("text is required")
			}
			return json.Marshal(toolResult{Memoir: kit.Polish(ctx, args.Text)})
		})
	r.MustRegister(ToolCompile,
		"Join memoir paragraphs into one document separated by blank lines.",
		&CompileArgs{},
		func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args CompileArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			return json.Marshal(toolResult{Memoir: kit.Join(args.Paragraphs)})
		})
	return r
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
