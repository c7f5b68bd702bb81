package models

import (
	"encoding/json"
	"time"
)

// Role indicates what a stored turn holds.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// ContentBlockType discriminates structured assistant content.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one element of a structured assistant turn.
type ContentBlock struct {
	Type      ContentBlockType `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

// Turn is one stored message of a session. Turns are append-only.
type Turn struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Role          Role            `json:"role"`
	Content       string          `json:"content,omitempty"`
	ContentBlocks []ContentBlock  `json:"content_blocks,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput    string          `json:"tool_output,omitempty"`
	ToolUseID     string          `json:"tool_use_id,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	InputTokens   int             `json:"input_tokens,omitempty"`
	OutputTokens  int             `json:"output_tokens,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ToolCalls returns the tool_use blocks of an assistant turn.
func (t *Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range t.ContentBlocks {
		if b.Type == BlockToolUse {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return calls
}

// Text concatenates the text blocks of a turn, falling back to Content.
func (t *Turn) Text() string {
	if len(t.ContentBlocks) == 0 {
		return t.Content
	}
	var out string
	for _, b := range t.ContentBlocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution handed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
