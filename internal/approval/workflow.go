// Package approval implements the human sign-off state machine for tool
// executions: pending → approved | rejected.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/backoff"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

var (
	// ErrNotFound is returned for missing executions and for executions in
	// sessions the caller cannot see.
	ErrNotFound = errors.New("Approval request not found")
	// ErrNotPending is returned when the execution was already decided.
	ErrNotPending = errors.New("Approval request expired or was already decided")
)

// Messages recorded on executions rejected without a human decision.
const (
	ReasonTimeout    = "Approval timed out"
	ReasonPollFailed = "Approval rejected: unable to check approval status"
	ReasonCancelled  = "Approval rejected: request was cancelled"
	ReasonRejected   = "Tool call rejected by reviewer"
)

// Store is the persistence the workflow needs.
type Store interface {
	Get(ctx context.Context, id string, visible sessions.OrgPredicate) (*models.Session, error)
	GetExecution(ctx context.Context, id string) (*models.ToolExecution, error)
	TransitionExecution(ctx context.Context, id string, from []models.ToolExecutionStatus, upd models.ExecutionUpdate) (bool, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.ToolExecution, error)
}

// Observer is notified of approval outcomes.
type Observer interface {
	ApprovalDecided(ctx context.Context, exec *models.ToolExecution, approved bool)
	ApprovalForced(ctx context.Context, executionID, reason string)
}

// Config tunes the wait loop.
type Config struct {
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	Factor          float64       `yaml:"factor" json:"factor"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	MaxPollErrors   int           `yaml:"max_poll_errors" json:"max_poll_errors" env:"MAX_POLL_ERRORS" validate:"gte=0"`
}

// DefaultConfig polls from 500ms growing 1.5x to 3s, gives up after five
// minutes or five consecutive read errors.
func DefaultConfig() Config {
	p := backoff.ApprovalPollPolicy()
	return Config{
		InitialInterval: p.Initial,
		MaxInterval:     p.Max,
		Factor:          p.Factor,
		Timeout:         300 * time.Second,
		MaxPollErrors:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Factor < 1 {
		c.Factor = d.Factor
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = d.MaxPollErrors
	}
	return c
}

func (c Config) policy() backoff.Policy {
	return backoff.Policy{Initial: c.InitialInterval, Max: c.MaxInterval, Factor: c.Factor}
}

// Workflow decides and awaits approvals.
type Workflow struct {
	store     Store
	config    Config
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
	sleep     backoff.SleepFunc
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithObserver registers an observer for decisions. It may be given more
// than once.
func WithObserver(o Observer) Option {
	return func(w *Workflow) {
		if o != nil {
			w.observers = append(w.observers, o)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// WithClock replaces the time source and sleeper, for tests.
func WithClock(now func() time.Time, sleep backoff.SleepFunc) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// NewWorkflow builds a workflow over store.
func NewWorkflow(store Store, config Config, opts ...Option) *Workflow {
	w := &Workflow{
		store:  store,
		config: config.withDefaults(),
		logger: slog.Default().With("component", "approval"),
		now:    time.Now,
		sleep:  backoff.SleepWithContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Config returns the effective configuration.
func (w *Workflow) Config() Config {
	return w.config
}

// Handle records a reviewer's decision on a pending execution. The caller
// must be able to see the organization that owns the execution's session.
func (w *Workflow) Handle(ctx context.Context, executionID string, approved bool, ac *auth.Context) (*models.ToolExecution, error) {
	if ac == nil || ac.UserID == "" {
		return nil, ErrNotFound
	}
	exec, err := w.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool execution: %w", err)
	}
	if exec == nil {
		return nil, ErrNotFound
	}
	session, err := w.store.Get(ctx, exec.SessionID, ac.CanAccessOrg)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if exec.Status != models.ToolPending {
		return nil, ErrNotPending
	}

	now := w.now()
	upd := models.ExecutionUpdate{
		Status:     models.ToolApproved,
		ApprovedBy: ac.UserID,
		ApprovedAt: &now,
	}
	if !approved {
		upd.Status = models.ToolRejected
		upd.ErrorMessage = ReasonRejected
		upd.CompletedAt = &now
	}
	ok, err := w.store.TransitionExecution(ctx, executionID, []models.ToolExecutionStatus{models.ToolPending}, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to record approval: %w", err)
	}
	if !ok {
		return nil, ErrNotPending
	}
	upd.Apply(exec)

	w.logger.Info("approval decided",
		"execution_id", executionID,
		"tool", exec.ToolName,
		"approved", approved,
		"user_id", ac.UserID)
	for _, o := range w.observers {
		o.ApprovalDecided(ctx, exec, approved)
	}
	return exec, nil
}

// Outcome is the result of waiting on an approval.
type Outcome struct {
	Approved  bool
	Reason    string
	Execution *models.ToolExecution
}

// Wait polls an execution until it leaves pending, the timeout passes or
// reads keep failing. In the last two cases, and when ctx is cancelled, the
// execution is forced to rejected before Wait returns. A non-nil error is
// only returned for cancellation.
func (w *Workflow) Wait(ctx context.Context, executionID string) (Outcome, error) {
	deadline := w.now().Add(w.config.Timeout)
	schedule := backoff.NewSchedule(w.config.policy())
	pollErrors := 0

	for {
		exec, err := w.store.GetExecution(ctx, executionID)
		switch {
		case err != nil || exec == nil:
			pollErrors++
			w.logger.Warn("approval poll failed",
				"execution_id", executionID,
				"consecutive_errors", pollErrors,
				"error", err)
			if pollErrors >= w.config.MaxPollErrors {
				return w.forceReject(ctx, executionID, ReasonPollFailed), nil
			}
		case exec.Status.Decided():
			return decidedOutcome(exec), nil
		default:
			pollErrors = 0
		}

		remaining := deadline.Sub(w.now())
		if remaining <= 0 {
			return w.forceReject(ctx, executionID, ReasonTimeout), nil
		}
		delay := schedule.Next()
		if delay > remaining {
			delay = remaining
		}
		if err := w.sleep(ctx, delay); err != nil {
			return w.forceReject(context.WithoutCancel(ctx), executionID, ReasonCancelled), err
		}
	}
}

// forceReject moves a still-pending execution to rejected. If a reviewer won
// the race, their decision is returned instead.
func (w *Workflow) forceReject(ctx context.Context, executionID, reason string) Outcome {
	now := w.now()
	ok, err := w.store.TransitionExecution(ctx, executionID,
		[]models.ToolExecutionStatus{models.ToolPending},
		models.ExecutionUpdate{Status: models.ToolRejected, ErrorMessage: reason, CompletedAt: &now})
	if err != nil {
		w.logger.Error("failed to reject approval", "execution_id", executionID, "reason", reason, "error", err)
	}
	if err == nil && !ok {
		if exec, getErr := w.store.GetExecution(ctx, executionID); getErr == nil && exec != nil && exec.Status.Decided() {
			return decidedOutcome(exec)
		}
	}

	w.logger.Warn("approval forced to rejected", "execution_id", executionID, "reason", reason)
	for _, o := range w.observers {
		o.ApprovalForced(ctx, executionID, reason)
	}
	return Outcome{Reason: reason}
}

func decidedOutcome(exec *models.ToolExecution) Outcome {
	switch exec.Status {
	case models.ToolApproved:
		return Outcome{Approved: true, Execution: exec}
	case models.ToolRejected:
		reason := exec.ErrorMessage
		if reason == "" {
			reason = ReasonRejected
		}
		return Outcome{Reason: reason, Execution: exec}
	default:
		return Outcome{Reason: "Approval request is no longer pending", Execution: exec}
	}
}

// ExpireStale rejects pending executions created before cutoff. It covers
// waits that died with their process. It returns how many were rejected.
func (w *Workflow) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	pending, err := w.store.ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	expired := 0
	for _, exec := range pending {
		now := w.now()
		ok, err := w.store.TransitionExecution(ctx, exec.ID,
			[]models.ToolExecutionStatus{models.ToolPending},
			models.ExecutionUpdate{Status: models.ToolRejected, ErrorMessage: ReasonTimeout, CompletedAt: &now})
		if err != nil {
			return expired, fmt.Errorf("failed to expire approval %s: %w", exec.ID, err)
		}
		if ok {
			expired++
			for _, o := range w.observers {
				o.ApprovalForced(ctx, exec.ID, ReasonTimeout)
			}
		}
	}
	return expired, nil
}
