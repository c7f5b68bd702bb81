// Package models provides domain types for the Breeze AI agent core.
package models

import (
	"encoding/json"
)

// EventType identifies the kind of stream event emitted during one conversation turn.
type EventType string

const (
	EventMessageStart     EventType = "message_start"
	EventContentDelta     EventType = "content_delta"
	EventToolUseStart     EventType = "tool_use_start"
	EventToolResult       EventType = "tool_result"
	EventApprovalRequired EventType = "approval_required"
	EventMessageEnd       EventType = "message_end"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// Event is one element of the stream produced by sending a message.
// Type selects which of the optional fields are meaningful:
//
//	message_start      MessageID
//	content_delta      Delta
//	tool_use_start     ToolUseID, ToolName, Input
//	tool_result        ToolUseID, ToolName, Output, IsError
//	approval_required  ExecutionID, ToolUseID, ToolName, Input, Description
//	message_end        MessageID, InputTokens, OutputTokens
//	error              Message
//	done               (none)
type Event struct {
	Type         EventType       `json:"type"`
	MessageID    string          `json:"message_id,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       string          `json:"output,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// ErrorEvent builds an error event carrying a client-safe message.
func ErrorEvent(message string) *Event {
	return &Event{Type: EventError, Message: message}
}

// DoneEvent builds the terminal event of a stream.
func DoneEvent() *Event {
	return &Event{Type: EventDone}
}

// Terminal reports whether the event ends the stream.
func (e *Event) Terminal() bool {
	return e != nil && e.Type == EventDone
}
