package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/LanternOps/breeze-sub012/internal/agent"
	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// Recorder turns orchestrator and approval notifications into audit events.
// It satisfies agent.Observer and approval.Observer.
type Recorder struct {
	agent.NopObserver
	logger *Logger
}

var (
	_ agent.Observer    = (*Recorder)(nil)
	_ approval.Observer = (*Recorder)(nil)
)

// NewRecorder returns a Recorder writing to logger.
func NewRecorder(logger *Logger) *Recorder {
	return &Recorder{logger: logger}
}

func (r *Recorder) SessionCreated(ctx context.Context, s *models.Session, ac *auth.Context) {
	r.logger.Log(ctx, &Event{
		Type:      EventSessionCreated,
		Level:     LevelInfo,
		SessionID: s.ID,
		OrgID:     s.OrgID,
		UserID:    userID(ac),
		Action:    "session_created",
		Details:   map[string]any{"model": s.Model, "max_turns": s.MaxTurns},
	})
}

func (r *Recorder) SessionClosed(ctx context.Context, s *models.Session, ac *auth.Context) {
	r.logger.Log(ctx, &Event{
		Type:      EventSessionClosed,
		Level:     LevelInfo,
		SessionID: s.ID,
		OrgID:     s.OrgID,
		UserID:    userID(ac),
		Action:    "session_closed",
		Details:   map[string]any{"turn_count": s.TurnCount},
	})
}

func (r *Recorder) SessionExpired(ctx context.Context, s *models.Session, reason sessions.ExpiryReason) {
	r.logger.Log(ctx, &Event{
		Type:      EventSessionExpired,
		Level:     LevelInfo,
		SessionID: s.ID,
		OrgID:     s.OrgID,
		UserID:    s.UserID,
		Action:    "session_expired",
		Details:   map[string]any{"reason": string(reason)},
	})
}

func (r *Recorder) InputFlagged(ctx context.Context, s *models.Session, ac *auth.Context, flags []sanitize.Flag) {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = string(f)
	}
	r.logger.Log(ctx, &Event{
		Type:      EventInputFlagged,
		Level:     LevelWarn,
		SessionID: s.ID,
		OrgID:     s.OrgID,
		UserID:    userID(ac),
		Action:    "input_sanitized",
		Details:   map[string]any{"flags": names},
	})
}

// ToolDecision records denials and approval requests. Plain allows are not
// audited; the execution record covers them.
func (r *Recorder) ToolDecision(ctx context.Context, s *models.Session, ac *auth.Context, call models.ToolCall, d guardrails.Decision) {
	event := &Event{
		SessionID: s.ID,
		OrgID:     s.OrgID,
		UserID:    userID(ac),
		ToolName:  call.Name,
		ToolUseID: call.ID,
		Details: map[string]any{
			"tier":  string(d.Tier),
			"stage": string(d.Stage),
		},
	}
	r.addInput(event, call)

	switch {
	case !d.Allowed:
		event.Type = EventToolDenied
		event.Level = LevelWarn
		event.Action = "tool_denied"
		event.Details["reason"] = d.Reason
	case d.RequiresApproval:
		event.Type = EventToolApprovalRequired
		event.Level = LevelInfo
		event.Action = "approval_requested"
		event.Details["description"] = d.Description
	default:
		return
	}
	r.logger.Log(ctx, event)
}

func (r *Recorder) ToolExecuted(ctx context.Context, s *models.Session, ac *auth.Context, exec *models.ToolExecution) {
	level := LevelInfo
	if exec.Status != models.ToolCompleted {
		level = LevelWarn
	}
	event := &Event{
		Type:        EventToolExecuted,
		Level:       level,
		SessionID:   s.ID,
		OrgID:       s.OrgID,
		UserID:      userID(ac),
		ToolName:    exec.ToolName,
		ExecutionID: exec.ID,
		Action:      "tool_" + string(exec.Status),
		Error:       exec.ErrorMessage,
		Details: map[string]any{
			"status":      string(exec.Status),
			"output_size": len(exec.ToolOutput),
		},
	}
	if exec.DurationMs > 0 {
		event.Details["duration_ms"] = exec.DurationMs
	}
	if exec.ApprovedBy != "" {
		event.Details["approved_by"] = exec.ApprovedBy
	}
	r.logger.Log(ctx, event)
}

func (r *Recorder) TurnFinished(ctx context.Context, s *models.Session, ac *auth.Context, stats agent.TurnStats) {
	event := &Event{
		Type:      EventTurnFinished,
		Level:     LevelDebug,
		SessionID: s.ID,
		OrgID:     s.OrgID,
		UserID:    userID(ac),
		Action:    "turn_finished",
		Duration:  stats.Duration,
		Details: map[string]any{
			"iterations":    stats.Iterations,
			"tool_calls":    stats.ToolCalls,
			"input_tokens":  stats.InputTokens,
			"output_tokens": stats.OutputTokens,
		},
	}
	if stats.IterationCapped {
		event.Details["iteration_capped"] = true
	}
	if stats.Err != nil {
		event.Level = LevelWarn
		event.Error = stats.Err.Error()
	}
	r.logger.Log(ctx, event)
}

// ApprovalDecided implements approval.Observer.
func (r *Recorder) ApprovalDecided(ctx context.Context, exec *models.ToolExecution, approved bool) {
	r.logger.Log(ctx, &Event{
		Type:        EventApprovalDecided,
		Level:       LevelInfo,
		SessionID:   exec.SessionID,
		UserID:      exec.ApprovedBy,
		ToolName:    exec.ToolName,
		ExecutionID: exec.ID,
		Action:      decisionAction(approved),
		Details:     map[string]any{"approved": approved},
	})
}

// ApprovalForced implements approval.Observer.
func (r *Recorder) ApprovalForced(ctx context.Context, executionID, reason string) {
	r.logger.Log(ctx, &Event{
		Type:        EventApprovalTimeout,
		Level:       LevelWarn,
		ExecutionID: executionID,
		Action:      "approval_forced_rejection",
		Details:     map[string]any{"reason": reason},
	})
}

func (r *Recorder) addInput(event *Event, call models.ToolCall) {
	if len(call.Input) == 0 {
		return
	}
	if r.logger != nil && r.logger.config.IncludeToolInput {
		event.Details["input"] = string(call.Input)
		return
	}
	event.Details["input_hash"] = inputDigest(call.Input)
}

func decisionAction(approved bool) string {
	if approved {
		return "approval_granted"
	}
	return "approval_rejected"
}

func userID(ac *auth.Context) string {
	if ac == nil {
		return ""
	}
	return ac.UserID
}

// inputDigest is a short, stable fingerprint of a tool input.
func inputDigest(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:8])
}
