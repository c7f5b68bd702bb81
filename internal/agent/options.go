package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// Config tunes the orchestrator.
type Config struct {
	// Model is used for sessions created without one.
	Model string `yaml:"model" json:"model" env:"MODEL"`

	// SystemPrompt is the base identity of the assistant.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt,omitempty" env:"SYSTEM_PROMPT"`

	// MaxIterations limits provider rounds per user message.
	// Default: 10
	MaxIterations int `yaml:"max_iterations" json:"max_iterations" env:"MAX_ITERATIONS" validate:"gte=0"`

	// MaxTokens is the response limit passed to the provider.
	// Default: 4096
	MaxTokens int `yaml:"max_tokens" json:"max_tokens" env:"MAX_TOKENS" validate:"gte=0"`

	// TokenCeiling aborts a round whose estimated prompt is larger.
	// Default: 150000
	TokenCeiling int `yaml:"token_ceiling" json:"token_ceiling" env:"TOKEN_CEILING" validate:"gte=0"`

	// CharsPerToken is the estimation ratio.
	// Default: 4
	CharsPerToken int `yaml:"chars_per_token" json:"chars_per_token" validate:"gte=0"`

	// DefaultMaxTurns applies to sessions created without a limit.
	// Default: 50
	DefaultMaxTurns int `yaml:"default_max_turns" json:"default_max_turns" validate:"gte=0"`

	// ToolTimeout bounds one tool execution.
	// Default: 30s
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout" env:"TOOL_TIMEOUT"`

	// SessionMaxAge and IdleTimeout drive session expiry.
	SessionMaxAge time.Duration `yaml:"session_max_age" json:"session_max_age" env:"SESSION_MAX_AGE"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// Default limits.
const (
	DefaultMaxIterations = 10
	DefaultMaxTokens     = 4096
	DefaultMaxTurns      = 50
	DefaultToolTimeout   = 30 * time.Second
	DefaultModel         = "claude-sonnet-4-20250514"
)

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Model:           DefaultModel,
		MaxIterations:   DefaultMaxIterations,
		MaxTokens:       DefaultMaxTokens,
		TokenCeiling:    DefaultTokenCeiling,
		CharsPerToken:   DefaultCharsPerToken,
		DefaultMaxTurns: DefaultMaxTurns,
		ToolTimeout:     DefaultToolTimeout,
		SessionMaxAge:   sessions.DefaultMaxAge,
		IdleTimeout:     sessions.DefaultIdleTimeout,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.TokenCeiling <= 0 {
		cfg.TokenCeiling = defaults.TokenCeiling
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = defaults.CharsPerToken
	}
	if cfg.DefaultMaxTurns <= 0 {
		cfg.DefaultMaxTurns = defaults.DefaultMaxTurns
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	return cfg
}

// TurnStats summarizes one SendMessage call.
type TurnStats struct {
	Iterations   int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	// IterationCapped is set when the turn stopped at the iteration limit.
	IterationCapped bool
	// Err is the error that ended the turn early, if any.
	Err error
}

// Observer receives audit-worthy moments of the agent core. Calls are made
// synchronously on the conversation goroutine, so implementations must not block.
type Observer interface {
	SessionCreated(ctx context.Context, session *models.Session, ac *auth.Context)
	SessionClosed(ctx context.Context, session *models.Session, ac *auth.Context)
	SessionExpired(ctx context.Context, session *models.Session, reason sessions.ExpiryReason)
	InputFlagged(ctx context.Context, session *models.Session, ac *auth.Context, flags []sanitize.Flag)
	ToolDecision(ctx context.Context, session *models.Session, ac *auth.Context, call models.ToolCall, decision guardrails.Decision)
	ToolExecuted(ctx context.Context, session *models.Session, ac *auth.Context, exec *models.ToolExecution)
	TurnFinished(ctx context.Context, session *models.Session, ac *auth.Context, stats TurnStats)
}

// NopObserver ignores every callback. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionCreated(context.Context, *models.Session, *auth.Context) {}
func (NopObserver) SessionClosed(context.Context, *models.Session, *auth.Context) {}
func (NopObserver) SessionExpired(context.Context, *models.Session, sessions.ExpiryReason) {}
func (NopObserver) InputFlagged(context.Context, *models.Session, *auth.Context, []sanitize.Flag) {}
func (NopObserver) ToolDecision(context.Context, *models.Session, *auth.Context, models.ToolCall, guardrails.Decision) {}
func (NopObserver) ToolExecuted(context.Context, *models.Session, *auth.Context, *models.ToolExecution) {}
func (NopObserver) TurnFinished(context.Context, *models.Session, *auth.Context, TurnStats) {}

// observers fans a callback out to every registered Observer.
type observers []Observer

func (o observers) SessionCreated(ctx context.Context, s *models.Session, ac *auth.Context) {
	for _, obs := range o {
		obs.SessionCreated(ctx, s, ac)
	}
}

func (o observers) SessionClosed(ctx context.Context, s *models.Session, ac *auth.Context) {
	for _, obs := range o {
		obs.SessionClosed(ctx, s, ac)
	}
}

func (o observers) SessionExpired(ctx context.Context, s *models.Session, reason sessions.ExpiryReason) {
	for _, obs := range o {
		obs.SessionExpired(ctx, s, reason)
	}
}

func (o observers) InputFlagged(ctx context.Context, s *models.Session, ac *auth.Context, flags []sanitize.Flag) {
	for _, obs := range o {
		obs.InputFlagged(ctx, s, ac, flags)
	}
}

func (o observers) ToolDecision(ctx context.Context, s *models.Session, ac *auth.Context, call models.ToolCall, d guardrails.Decision) {
	for _, obs := range o {
		obs.ToolDecision(ctx, s, ac, call, d)
	}
}

func (o observers) ToolExecuted(ctx context.Context, s *models.Session, ac *auth.Context, exec *models.ToolExecution) {
	for _, obs := range o {
		obs.ToolExecuted(ctx, s, ac, exec)
	}
}

func (o observers) TurnFinished(ctx context.Context, s *models.Session, ac *auth.Context, stats TurnStats) {
	for _, obs := range o {
		obs.TurnFinished(ctx, s, ac, stats)
	}
}

// Option configures an Orchestrator or Service.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	observers observers
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithTracer sets the tracer used for turn, provider and tool spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}
