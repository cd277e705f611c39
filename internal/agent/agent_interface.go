package agent

import (
	"context"
	"iter"
)

// Processor defines the interface for AI agent processing.
type Processor interface {
	// Chat processes a user message and returns response chunks.
	Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error]

	// Close releases resources.
	Close()
}

// Ensure LLMProcessor implements Processor.
var _ Processor = (*LLMProcessor)(nil)
