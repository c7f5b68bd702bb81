// Package llm defines the contract between the agent loop and upstream
// language-model providers.
package llm

import (
	"context"
	"encoding/json"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// Provider generates the next assistant turn for a conversation.
//
// Complete returns a channel of chunks that the provider closes when the
// response finishes. An error returned directly means the request never
// started; errors after that arrive as a chunk with Error set and Done true.
type Provider interface {
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the provider identifier used in logs and metrics.
	Name() string
}

// Request is one "generate next turn" call.
type Request struct {
	Model     string     `json:"model"`
	System    string     `json:"system,omitempty"`
	Messages  []Message  `json:"messages"`
	Tools     []ToolSpec `json:"tools,omitempty"`
	MaxTokens int        `json:"max_tokens,omitempty"`
}

// Role values for provider messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one provider-format turn. A user message carries either text or
// the combined results for every tool call of the preceding assistant turn.
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// Chunk is a streaming piece of a completion.
type Chunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// Response is a fully collected completion.
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Collect drains a chunk stream into a Response. It stops at the first error.
func Collect(ctx context.Context, chunks <-chan *Chunk) (*Response, error) {
	resp := &Response{}
	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return resp, nil
			}
			if chunk.Error != nil {
				return resp, chunk.Error
			}
			resp.Text += chunk.Text
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
			if chunk.InputTokens > 0 {
				resp.InputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				resp.OutputTokens = chunk.OutputTokens
			}
		}
	}
}
