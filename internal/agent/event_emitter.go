package agent

import (
	"context"
	"encoding/json"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// EventEmitter writes the typed events of one conversation turn to its
// consumer. Once the consumer is gone (ctx cancelled) every emit is a no-op.
type EventEmitter struct {
	ctx    context.Context
	out    chan<- *models.Event
	closed bool
	count  int
}

// NewEventEmitter creates an emitter writing to out until ctx is done.
func NewEventEmitter(ctx context.Context, out chan<- *models.Event) *EventEmitter {
	return &EventEmitter{ctx: ctx, out: out}
}

// emit delivers event and reports whether the consumer received it.
func (e *EventEmitter) emit(event *models.Event) bool {
	if e.closed {
		return false
	}
	select {
	case <-e.ctx.Done():
		e.closed = true
		return false
	case e.out <- event:
		e.count++
		return true
	}
}

// Count returns how many events were delivered.
func (e *EventEmitter) Count() int {
	return e.count
}

// MessageStart opens an assistant message.
func (e *EventEmitter) MessageStart(messageID string) bool {
	return e.emit(&models.Event{Type: models.EventMessageStart, MessageID: messageID})
}

// ContentDelta streams a piece of assistant text.
func (e *EventEmitter) ContentDelta(delta string) bool {
	return e.emit(&models.Event{Type: models.EventContentDelta, Delta: delta})
}

// ToolUseStart announces a tool call requested by the model.
func (e *EventEmitter) ToolUseStart(call models.ToolCall) bool {
	return e.emit(&models.Event{
		Type:      models.EventToolUseStart,
		ToolUseID: call.ID,
		ToolName:  call.Name,
		Input:     cloneInput(call.Input),
	})
}

// MessageEnd closes an assistant message with its token usage.
func (e *EventEmitter) MessageEnd(messageID string, inputTokens, outputTokens int) bool {
	return e.emit(&models.Event{
		Type:         models.EventMessageEnd,
		MessageID:    messageID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

// ApprovalRequired asks the client to have a reviewer decide an execution.
func (e *EventEmitter) ApprovalRequired(exec *models.ToolExecution, call models.ToolCall, description string) bool {
	return e.emit(&models.Event{
		Type:        models.EventApprovalRequired,
		ExecutionID: exec.ID,
		ToolUseID:   call.ID,
		ToolName:    call.Name,
		Input:       cloneInput(call.Input),
		Description: description,
	})
}

// ToolResult reports the outcome of one tool call.
func (e *EventEmitter) ToolResult(call models.ToolCall, output string, isError bool) bool {
	return e.emit(&models.Event{
		Type:      models.EventToolResult,
		ToolUseID: call.ID,
		ToolName:  call.Name,
		Output:    output,
		IsError:   isError,
	})
}

// Error emits a client-safe error message.
func (e *EventEmitter) Error(message string) bool {
	return e.emit(models.ErrorEvent(message))
}

// Done emits the terminal event.
func (e *EventEmitter) Done() bool {
	return e.emit(models.DoneEvent())
}

func cloneInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
