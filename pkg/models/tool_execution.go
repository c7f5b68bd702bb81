package models

import (
	"encoding/json"
	"time"
)

// ToolExecutionStatus is the lifecycle state of one tool invocation.
type ToolExecutionStatus string

const (
	ToolPending   ToolExecutionStatus = "pending"
	ToolApproved  ToolExecutionStatus = "approved"
	ToolRejected  ToolExecutionStatus = "rejected"
	ToolExecuting ToolExecutionStatus = "executing"
	ToolCompleted ToolExecutionStatus = "completed"
	ToolFailed    ToolExecutionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ToolExecutionStatus) Terminal() bool {
	switch s {
	case ToolCompleted, ToolFailed, ToolRejected:
		return true
	}
	return false
}

// Decided reports whether an approval decision has been made.
func (s ToolExecutionStatus) Decided() bool {
	return s != ToolPending
}

// ToolExecution is the lifecycle record of one tool invocation requested by the model.
type ToolExecution struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	ToolName     string              `json:"tool_name"`
	ToolInput    json.RawMessage     `json:"tool_input,omitempty"`
	Status       ToolExecutionStatus `json:"status"`
	ToolOutput   string              `json:"tool_output,omitempty"`
	DurationMs   int64               `json:"duration_ms,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	ApprovedBy   string              `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time          `json:"approved_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// ExecutionUpdate carries the fields written by a status transition.
// Zero values leave the stored column untouched.
type ExecutionUpdate struct {
	Status       ToolExecutionStatus
	ToolOutput   string
	ErrorMessage string
	DurationMs   int64
	ApprovedBy   string
	ApprovedAt   *time.Time
	CompletedAt  *time.Time
}

// Apply writes the update onto e in place.
func (u ExecutionUpdate) Apply(e *ToolExecution) {
	e.Status = u.Status
	if u.ToolOutput != "" {
		e.ToolOutput = u.ToolOutput
	}
	if u.ErrorMessage != "" {
		e.ErrorMessage = u.ErrorMessage
	}
	if u.DurationMs != 0 {
		e.DurationMs = u.DurationMs
	}
	if u.ApprovedBy != "" {
		e.ApprovedBy = u.ApprovedBy
	}
	if u.ApprovedAt != nil {
		t := *u.ApprovedAt
		e.ApprovedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		e.CompletedAt = &t
	}
}
