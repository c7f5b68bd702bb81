// Package agent runs conversation turns: it checks a message against the
// session and governance limits, streams the model's reply and drives the
// tool loop through the guardrail gate and approval workflow.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/history"
	"github.com/LanternOps/breeze-sub012/internal/llm"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/internal/usage"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// ToolExecutor runs tools that cleared the gate.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input json.RawMessage, ac *auth.Context) (string, error)
	Specs() []llm.ToolSpec
}

// Gate decides whether a tool call may run.
type Gate interface {
	Evaluate(ctx context.Context, toolName string, input json.RawMessage, ac *auth.Context) guardrails.Decision
}

// Approvals blocks until a reviewer decides a pending execution.
type Approvals interface {
	Wait(ctx context.Context, executionID string) (approval.Outcome, error)
}

// Governor enforces rate limits and budgets and accounts token usage.
type Governor interface {
	CheckRateLimit(ctx context.Context, userID, orgID string) error
	CheckBudget(ctx context.Context, orgID string) error
	RecordUsage(ctx context.Context, rec usage.Record) error
}

// Dependencies are the collaborators of an Orchestrator. All are required.
type Dependencies struct {
	Store     sessions.Store
	Provider  llm.Provider
	Tools     ToolExecutor
	Gate      Gate
	Approvals Approvals
	Governor  Governor
}

func (d Dependencies) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("session store is required")
	case d.Provider == nil:
		return ErrNoProvider
	case d.Tools == nil:
		return errors.New("tool executor is required")
	case d.Gate == nil:
		return errors.New("guardrail gate is required")
	case d.Approvals == nil:
		return errors.New("approval workflow is required")
	case d.Governor == nil:
		return errors.New("governor is required")
	}
	return nil
}

// eventBufferSize lets the loop run slightly ahead of a slow consumer.
const eventBufferSize = 16

// Orchestrator implements the conversation loop.
//
// One SendMessage call moves through these phases:
//
//	init           preconditions, governance, persist user message, load history
//	stream         one provider call, forwarded as events
//	execute_tools  gate, approval and execution of each requested tool
//	continue       feed results back and stream again
//	complete       no tool calls left, iteration cap, or a fatal error
type Orchestrator struct {
	deps      Dependencies
	config    Config
	expiry    *sessions.Expiry
	logger    *slog.Logger
	observers observers
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// NewOrchestrator creates an orchestrator over deps.
func NewOrchestrator(deps Dependencies, config Config, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	cfg := sanitizeConfig(config)
	expiry := sessions.NewExpiry(cfg.SessionMaxAge, cfg.IdleTimeout)
	expiry.SetNowFunc(o.now)

	return &Orchestrator{
		deps:      deps,
		config:    cfg,
		expiry:    expiry,
		logger:    o.logger,
		observers: o.observers,
		tracer:    o.tracer,
		now:       o.now,
		newID:     o.newID,
	}, nil
}

func applyOptions(opts []Option) options {
	o := options{
		logger: slog.Default().With("component", "agent"),
		tracer: noop.NewTracerProvider().Tracer("breeze/agent"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// turnState carries the mutable state of one SendMessage call.
type turnState struct {
	session   *models.Session
	ac        *auth.Context
	system    string
	messages  []llm.Message
	phase     LoopPhase
	iteration int
	stats     TurnStats
}

// SendMessage runs one conversation turn and streams its events. The channel
// is closed when the turn ends. A message rejected before anything is
// persisted yields a single error event; every other turn ends with done,
// preceded by an error event if the turn failed.
//
// Cancelling ctx stops the turn; events not yet delivered are dropped.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string, ac *auth.Context, page *models.PageContext) <-chan *models.Event {
	events := make(chan *models.Event, eventBufferSize)
	go func() {
		defer close(events)
		o.run(ctx, NewEventEmitter(ctx, events), sessionID, text, ac, page)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, em *EventEmitter, sessionID, text string, ac *auth.Context, page *models.PageContext) {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "agent.send_message",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	session, clean, err := o.admit(ctx, sessionID, text, ac)
	if err != nil {
		o.logger.Info("message rejected", "session_id", sessionID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		em.Error(sanitize.ErrorForClient(err))
		return
	}
	span.SetAttributes(attribute.String("org.id", session.OrgID))

	state := &turnState{session: session, ac: ac, phase: PhaseInit}
	err = o.converse(ctx, em, state, clean, page)
	state.stats.Duration = o.now().Sub(start)
	state.stats.Err = err

	if err != nil {
		if errors.Is(err, context.Canceled) {
			o.logger.Info("turn cancelled", "session_id", session.ID, "iteration", state.iteration)
		} else {
			o.logger.Error("turn failed", "session_id", session.ID, "error", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		em.Error(clientMessage(err))
	}
	em.Done()
	o.observers.TurnFinished(context.WithoutCancel(ctx), session, ac, state.stats)
}

// admit runs every check that happens before the message is persisted and
// returns the session together with the sanitized text.
func (o *Orchestrator) admit(ctx context.Context, sessionID, text string, ac *auth.Context) (*models.Session, string, error) {
	if ac == nil {
		return nil, "", ErrOrgContextRequired
	}
	if ids, all := ac.AccessibleOrgIDs(); !all && len(ids) == 0 {
		return nil, "", ErrOrgContextRequired
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", ErrEmptyMessage
	}

	session, err := o.deps.Store.Get(ctx, sessionID, ac.CanAccessOrg)
	if err != nil {
		o.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		return nil, "", ErrSessionUnavailable
	}
	if session == nil {
		return nil, "", ErrSessionNotFound
	}
	if session.Status != models.SessionActive {
		return nil, "", ErrSessionNotActive
	}
	if session.TurnLimitReached() {
		return nil, "", &TurnLimitError{MaxTurns: session.MaxTurns}
	}
	if reason := o.expiry.Check(session); reason != sessions.ExpiryNone {
		expired, err := o.deps.Store.ConditionalExpire(ctx, session.ID)
		if err != nil {
			o.logger.Warn("failed to expire session", "session_id", session.ID, "error", err)
		}
		if expired {
			o.observers.SessionExpired(ctx, session, reason)
		}
		return nil, "", ErrSessionExpired
	}

	// Limits are charged to the organization that owns the session, which
	// for partner callers may differ from their default organization.
	if err := o.deps.Governor.CheckRateLimit(ctx, ac.UserID, session.OrgID); err != nil {
		return nil, "", err
	}
	if err := o.deps.Governor.CheckBudget(ctx, session.OrgID); err != nil {
		return nil, "", err
	}

	clean, flags := sanitize.UserMessage(text)
	if len(flags) > 0 {
		o.logger.Warn("suspicious user input", "session_id", session.ID, "user_id", ac.UserID, "flags", flags)
		o.observers.InputFlagged(ctx, session, ac, flags)
	}
	if strings.TrimSpace(clean) == "" {
		return nil, "", ErrEmptyMessage
	}
	return session, clean, nil
}

// converse persists the user message and runs the tool loop.
func (o *Orchestrator) converse(ctx context.Context, em *EventEmitter, state *turnState, text string, page *models.PageContext) error {
	session := state.session
	page = sanitize.PageContext(page)

	now := o.now()
	recorded, err := o.deps.Store.RecordTurn(ctx, session.ID, page, now)
	if err != nil {
		return &LoopError{Phase: PhaseInit, Cause: fmt.Errorf("record turn: %w", err)}
	}
	if !recorded {
		return &LoopError{Phase: PhaseInit, Cause: ErrTurnNotRecorded}
	}
	session.TurnCount++
	session.LastActivityAt = now
	if page != nil {
		session.ContextSnapshot = page
	}

	userTurn := &models.Turn{
		ID:        o.newID(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: now,
	}
	if err := o.deps.Store.AppendTurn(ctx, userTurn); err != nil {
		return &LoopError{Phase: PhaseInit, Cause: fmt.Errorf("persist user message: %w", err)}
	}

	messages, err := history.Load(ctx, o.deps.Store, session.ID)
	if err != nil {
		return &LoopError{Phase: PhaseInit, Cause: err}
	}
	state.messages = messages

	state.system = buildSystemPrompt(o.config.SystemPrompt, session, state.ac, session.ContextSnapshot)
	if state.system != session.SystemPrompt {
		if err := o.deps.Store.SetSystemPrompt(ctx, session.ID, state.system); err != nil {
			o.logger.Warn("failed to store system prompt", "session_id", session.ID, "error", err)
		}
		session.SystemPrompt = state.system
	}

	for state.iteration = 1; state.iteration <= o.config.MaxIterations; state.iteration++ {
		if err := ctx.Err(); err != nil {
			return &LoopError{Phase: state.phase, Iteration: state.iteration, Cause: err}
		}
		state.stats.Iterations = state.iteration

		state.phase = PhaseStream
		if estimate := EstimateTokens(state.system, state.messages, o.config.CharsPerToken); estimate > o.config.TokenCeiling {
			o.logger.Warn("context exceeds token ceiling",
				"session_id", session.ID,
				"estimate", estimate,
				"ceiling", o.config.TokenCeiling)
			return &LoopError{Phase: PhaseStream, Iteration: state.iteration, Cause: ErrContextTooLarge}
		}

		reply, err := o.streamPhase(ctx, em, state)
		if err != nil {
			return &LoopError{Phase: PhaseStream, Iteration: state.iteration, Cause: err}
		}
		if len(reply.calls) == 0 {
			state.phase = PhaseComplete
			return nil
		}

		state.phase = PhaseExecuteTools
		results, err := o.executeToolsPhase(ctx, em, state, reply.calls)
		if err != nil {
			return &LoopError{Phase: PhaseExecuteTools, Iteration: state.iteration, Cause: err}
		}

		state.phase = PhaseContinue
		state.messages = append(state.messages,
			llm.Message{Role: llm.RoleAssistant, Content: reply.text, ToolCalls: reply.calls},
			llm.Message{Role: llm.RoleUser, ToolResults: results},
		)
	}

	// The cap ends the turn normally; only done follows.
	o.logger.Warn("max iterations reached", "session_id", session.ID, "max_iterations", o.config.MaxIterations)
	state.stats.IterationCapped = true
	state.phase = PhaseComplete
	return nil
}

// assistantReply is one streamed provider response.
type assistantReply struct {
	id           string
	text         string
	calls        []models.ToolCall
	inputTokens  int
	outputTokens int
}

// streamPhase makes one provider call and forwards it as events.
func (o *Orchestrator) streamPhase(ctx context.Context, em *EventEmitter, state *turnState) (*assistantReply, error) {
	session := state.session
	model := session.Model
	if model == "" {
		model = o.config.Model
	}
	req := &llm.Request{
		Model:     model,
		System:    state.system,
		Messages:  state.messages,
		Tools:     o.deps.Tools.Specs(),
		MaxTokens: o.config.MaxTokens,
	}

	ctx, span := o.tracer.Start(ctx, "agent.provider_call", trace.WithAttributes(
		attribute.String("provider", o.deps.Provider.Name()),
		attribute.String("model", model),
		attribute.Int("iteration", state.iteration),
	))
	defer span.End()

	chunks, err := o.deps.Provider.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	reply := &assistantReply{id: o.newID()}
	em.MessageStart(reply.id)

	var text strings.Builder
	var streamErr error
	for chunk := range chunks {
		if streamErr != nil {
			continue
		}
		if chunk.Error != nil {
			streamErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			em.ContentDelta(chunk.Text)
		}
		if chunk.ToolCall != nil {
			call := *chunk.ToolCall
			if len(call.Input) == 0 {
				call.Input = json.RawMessage("{}")
			}
			reply.calls = append(reply.calls, call)
			em.ToolUseStart(call)
		}
		if chunk.InputTokens > 0 {
			reply.inputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			reply.outputTokens = chunk.OutputTokens
		}
	}
	if streamErr == nil {
		streamErr = ctx.Err()
	}
	if streamErr != nil {
		span.RecordError(streamErr)
		return nil, streamErr
	}
	reply.text = text.String()

	em.MessageEnd(reply.id, reply.inputTokens, reply.outputTokens)
	state.stats.InputTokens += reply.inputTokens
	state.stats.OutputTokens += reply.outputTokens
	span.SetAttributes(
		attribute.Int("tokens.input", reply.inputTokens),
		attribute.Int("tokens.output", reply.outputTokens),
		attribute.Int("tool_calls", len(reply.calls)),
	)

	o.persistAssistantTurn(ctx, session, reply)
	o.recordUsage(ctx, session, model, reply)
	return reply, nil
}

// persistAssistantTurn stores the reply. Failures are logged; the turn goes on.
func (o *Orchestrator) persistAssistantTurn(ctx context.Context, session *models.Session, reply *assistantReply) {
	turn := &models.Turn{
		ID:           reply.id,
		SessionID:    session.ID,
		Role:         models.RoleAssistant,
		Content:      reply.text,
		InputTokens:  reply.inputTokens,
		OutputTokens: reply.outputTokens,
		CreatedAt:    o.now(),
	}
	if len(reply.calls) > 0 {
		blocks := make([]models.ContentBlock, 0, len(reply.calls)+1)
		if reply.text != "" {
			blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: reply.text})
		}
		for _, call := range reply.calls {
			blocks = append(blocks, models.ContentBlock{
				Type:  models.BlockToolUse,
				ID:    call.ID,
				Name:  call.Name,
				Input: call.Input,
			})
		}
		turn.ContentBlocks = blocks
	}
	if err := o.deps.Store.AppendTurn(ctx, turn); err != nil {
		o.logger.Warn("failed to persist assistant turn", "session_id", session.ID, "error", err)
	}
}

// recordUsage accounts one provider call. Failures are logged; the turn goes on.
func (o *Orchestrator) recordUsage(ctx context.Context, session *models.Session, model string, reply *assistantReply) {
	rec := usage.Record{
		ID:        o.newID(),
		SessionID: session.ID,
		OrgID:     session.OrgID,
		Model:     model,
		Usage: usage.Usage{
			InputTokens:  int64(reply.inputTokens),
			OutputTokens: int64(reply.outputTokens),
		},
		UsedTools: len(reply.calls) > 0,
		Timestamp: o.now(),
	}
	if err := o.deps.Governor.RecordUsage(ctx, rec); err != nil {
		o.logger.Warn("failed to record usage", "session_id", session.ID, "org_id", session.OrgID, "error", err)
	}
}

// clientMessage renders a turn error for the event stream.
func clientMessage(err error) string {
	var loopErr *LoopError
	if errors.As(err, &loopErr) && loopErr.Cause != nil {
		err = loopErr.Cause
	}
	return sanitize.ErrorForClient(err)
}
