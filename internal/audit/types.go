// Package audit records security-relevant assistant activity: flagged
// input, guardrail decisions, approvals, tool executions and the session
// lifecycle. Entries are written asynchronously through slog.
package audit

import (
	"log/slog"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Session events
	EventSessionCreated EventType = "ai.session_created"
	EventSessionClosed  EventType = "ai.session_closed"
	EventSessionExpired EventType = "ai.session_expired"

	// Input events
	EventInputFlagged EventType = "ai.input_flagged"

	// Guardrail events
	EventToolDenied           EventType = "ai.tool_denied"
	EventToolApprovalRequired EventType = "ai.tool_approval_required"

	// Approval events
	EventApprovalDecided EventType = "ai.approval_decided"
	EventApprovalTimeout EventType = "ai.approval_timeout"

	// Execution events
	EventToolExecuted EventType = "ai.tool_executed"
	EventTurnFinished EventType = "ai.turn_finished"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// slogLevel maps a Level onto slog. The empty level is info.
func (lv Level) slogLevel() slog.Level {
	switch lv {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event represents a single audit log entry.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	Type  EventType `json:"type"`
	Level Level     `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	SessionID   string `json:"session_id,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	ToolUseID   string `json:"tool_use_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Duration is the time taken for timed operations.
	Duration time.Duration `json:"duration,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`

	// TraceID and SpanID correlate the entry with the active span.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn error"`

	Format OutputFormat `json:"format" yaml:"format" env:"FORMAT" validate:"omitempty,oneof=json text"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output" env:"OUTPUT"`

	// IncludeToolInput logs tool inputs verbatim. Otherwise only a hash is kept.
	IncludeToolInput bool `json:"include_tool_input" yaml:"include_tool_input" env:"INCLUDE_TOOL_INPUT"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size" validate:"gte=0"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `json:"event_types" yaml:"event_types"`

	// BufferSize is the number of events queued ahead of the writer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size" validate:"gte=0"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Level:        LevelInfo,
		Format:       FormatJSON,
		Output:       "stdout",
		MaxFieldSize: defaultMaxFieldSize,
		BufferSize:   defaultBufferSize,
	}
}
