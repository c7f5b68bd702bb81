package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// reasonApprovalStale is used when an approved execution can no longer be claimed.
const reasonApprovalStale = "Approval is no longer valid, tool call rejected"

// executeToolsPhase handles the tool calls of one reply in order. Each call
// yields exactly one result; only a failure to persist an approval request
// or a cancelled wait aborts the phase.
func (o *Orchestrator) executeToolsPhase(ctx context.Context, em *EventEmitter, state *turnState, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := o.handleToolCall(ctx, em, state, call)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (o *Orchestrator) handleToolCall(ctx context.Context, em *EventEmitter, state *turnState, call models.ToolCall) (models.ToolResult, error) {
	session, ac := state.session, state.ac
	state.stats.ToolCalls++

	decision := o.deps.Gate.Evaluate(ctx, call.Name, call.Input, ac)
	o.observers.ToolDecision(ctx, session, ac, call, decision)

	if !decision.Allowed {
		o.logger.Info("tool call blocked",
			"session_id", session.ID,
			"tool", call.Name,
			"stage", decision.Stage,
			"reason", decision.Reason)
		return o.failToolCall(ctx, em, session, call, decision.Reason), nil
	}

	now := o.now()
	exec := &models.ToolExecution{
		ID:        o.newID(),
		SessionID: session.ID,
		ToolName:  call.Name,
		ToolInput: call.Input,
		CreatedAt: now,
	}

	if decision.RequiresApproval {
		exec.Status = models.ToolPending
		if err := o.deps.Store.CreateExecution(ctx, exec); err != nil {
			return models.ToolResult{}, fmt.Errorf("create approval request: %w", err)
		}
		em.ApprovalRequired(exec, call, decision.Description)

		outcome, err := o.waitForApproval(ctx, exec, call)
		if err != nil {
			return models.ToolResult{}, err
		}
		if !outcome.Approved {
			exec.Status = models.ToolRejected
			exec.ErrorMessage = outcome.Reason
			o.observers.ToolExecuted(ctx, session, ac, exec)
			return o.failToolCall(ctx, em, session, call, outcome.Reason), nil
		}
		if outcome.Execution != nil {
			exec.ApprovedBy = outcome.Execution.ApprovedBy
			exec.ApprovedAt = outcome.Execution.ApprovedAt
		}

		claimed, err := o.deps.Store.TransitionExecution(ctx, exec.ID,
			[]models.ToolExecutionStatus{models.ToolApproved},
			models.ExecutionUpdate{Status: models.ToolExecuting})
		if err != nil || !claimed {
			o.logger.Warn("approved execution could not be claimed",
				"session_id", session.ID,
				"execution_id", exec.ID,
				"error", err)
			return o.failToolCall(ctx, em, session, call, reasonApprovalStale), nil
		}
	} else {
		exec.Status = models.ToolExecuting
		if err := o.deps.Store.CreateExecution(ctx, exec); err != nil {
			return models.ToolResult{}, fmt.Errorf("create tool execution: %w", err)
		}
	}
	exec.Status = models.ToolExecuting

	started := o.now()
	output, err := o.executeTool(ctx, call, ac)
	completed := o.now()
	update := models.ExecutionUpdate{
		DurationMs:  completed.Sub(started).Milliseconds(),
		CompletedAt: &completed,
	}

	if err != nil {
		message := sanitize.ErrorForClient(err)
		o.logger.Warn("tool execution failed",
			"session_id", session.ID,
			"execution_id", exec.ID,
			"tool", call.Name,
			"error", err)
		update.Status = models.ToolFailed
		update.ErrorMessage = message
		o.finishExecution(ctx, exec, update)
		o.observers.ToolExecuted(ctx, session, ac, exec)
		return o.failToolCall(ctx, em, session, call, message), nil
	}

	output = sanitize.ToolOutput(output)
	update.Status = models.ToolCompleted
	update.ToolOutput = output
	o.finishExecution(ctx, exec, update)
	o.observers.ToolExecuted(ctx, session, ac, exec)

	o.appendTurn(ctx, &models.Turn{
		ID:        o.newID(),
		SessionID: session.ID,
		Role:      models.RoleToolUse,
		ToolName:  call.Name,
		ToolInput: call.Input,
		ToolUseID: call.ID,
		CreatedAt: completed,
	})
	o.appendTurn(ctx, &models.Turn{
		ID:         o.newID(),
		SessionID:  session.ID,
		Role:       models.RoleToolResult,
		ToolName:   call.Name,
		ToolOutput: output,
		ToolUseID:  call.ID,
		CreatedAt:  completed,
	})
	em.ToolResult(call, output, false)
	return models.ToolResult{ToolCallID: call.ID, Content: output}, nil
}

// waitForApproval blocks on the approval workflow inside its own span.
func (o *Orchestrator) waitForApproval(ctx context.Context, exec *models.ToolExecution, call models.ToolCall) (approval.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "agent.approval_wait", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("tool", call.Name),
	))
	defer span.End()

	outcome, err := o.deps.Approvals.Wait(ctx, exec.ID)
	if err != nil {
		span.RecordError(err)
		return approval.Outcome{}, fmt.Errorf("wait for approval: %w", err)
	}
	span.SetAttributes(attribute.Bool("approved", outcome.Approved))
	return outcome, nil
}

// executeTool runs one tool under the tool timeout, converting panics into errors.
func (o *Orchestrator) executeTool(ctx context.Context, call models.ToolCall, ac *auth.Context) (output string, err error) {
	ctx, span := o.tracer.Start(ctx, "agent.tool_execute", trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.config.ToolTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrToolPanic, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tool failed")
		}
	}()

	output, err = o.deps.Tools.Execute(ctx, call.Name, call.Input, ac)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrToolTimeout, o.config.ToolTimeout)
	}
	return output, err
}

// finishExecution applies a terminal transition. A lost race is logged; the
// model still receives the result.
func (o *Orchestrator) finishExecution(ctx context.Context, exec *models.ToolExecution, update models.ExecutionUpdate) {
	ok, err := o.deps.Store.TransitionExecution(ctx, exec.ID,
		[]models.ToolExecutionStatus{models.ToolExecuting}, update)
	if err != nil || !ok {
		o.logger.Warn("failed to finish tool execution",
			"execution_id", exec.ID,
			"status", update.Status,
			"error", err)
	}
	update.Apply(exec)
}

// failToolCall records and reports an error result for call.
func (o *Orchestrator) failToolCall(ctx context.Context, em *EventEmitter, session *models.Session, call models.ToolCall, message string) models.ToolResult {
	if message == "" {
		message = sanitize.GenericErrorMessage
	}
	o.appendTurn(ctx, &models.Turn{
		ID:         o.newID(),
		SessionID:  session.ID,
		Role:       models.RoleToolResult,
		ToolName:   call.Name,
		ToolOutput: message,
		ToolUseID:  call.ID,
		IsError:    true,
		CreatedAt:  o.now(),
	})
	em.ToolResult(call, message, true)
	return models.ToolResult{ToolCallID: call.ID, Content: message, IsError: true}
}

func (o *Orchestrator) appendTurn(ctx context.Context, turn *models.Turn) {
	if err := o.deps.Store.AppendTurn(ctx, turn); err != nil {
		o.logger.Warn("failed to persist turn",
			"session_id", turn.SessionID,
			"role", turn.Role,
			"tool_use_id", turn.ToolUseID,
			"error", err)
	}
}
