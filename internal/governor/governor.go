// Package governor enforces per-user request rates and per-organization
// spend ceilings, and records token usage after each provider call.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LanternOps/breeze-sub012/internal/ratelimit"
	"github.com/LanternOps/breeze-sub012/internal/usage"
)

var (
	ErrRateLimited    = errors.New("Rate limit exceeded. Please wait a moment before sending another message.")
	ErrBudgetExceeded = errors.New("Budget exceeded")
	ErrDisabled       = errors.New("AI features are disabled for this organization")
	// ErrUnavailable is returned when limits cannot be checked at all.
	ErrUnavailable = errors.New("Unable to verify usage limits, try again")
)

// Config holds governor limits.
type Config struct {
	// UserRate limits messages per user across organizations.
	UserRate ratelimit.Config `yaml:"user_rate" json:"user_rate" envPrefix:"USER_RATE_"`
	// OrgRate limits messages per organization.
	OrgRate ratelimit.Config `yaml:"org_rate" json:"org_rate" envPrefix:"ORG_RATE_"`
	// MonthlyBudgetUSD applies to organizations without a ledger budget row.
	// Zero means unlimited.
	MonthlyBudgetUSD float64 `yaml:"monthly_budget_usd" json:"monthly_budget_usd" env:"MONTHLY_BUDGET_USD" validate:"gte=0"`
	// Pricing overrides the built-in per-model prices.
	Pricing map[string]usage.Cost `yaml:"pricing" json:"pricing"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		UserRate: ratelimit.Config{PerMinute: 20, Burst: 5},
		OrgRate:  ratelimit.Config{PerMinute: 200, Burst: 50},
	}
}

// UsageRecorder observes recorded usage, e.g. for metrics.
type UsageRecorder interface {
	RecordTokens(model string, u usage.Usage, costUSD float64)
}

// Governor checks limits before provider calls and records usage after.
type Governor struct {
	ledger      Ledger
	userLimiter *ratelimit.Limiter
	orgLimiter  *ratelimit.Limiter
	pricing     usage.Pricing
	recorder    UsageRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// WithRecorder registers a usage observer.
func WithRecorder(r UsageRecorder) Option {
	return func(g *Governor) { g.recorder = r }
}

// WithNowFunc sets a custom time source.
func WithNowFunc(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New builds a governor over ledger.
func New(ledger Ledger, config Config, opts ...Option) *Governor {
	g := &Governor{
		ledger:      ledger,
		userLimiter: ratelimit.NewLimiter(config.UserRate),
		orgLimiter:  ratelimit.NewLimiter(config.OrgRate),
		pricing:     usage.DefaultPricing().Merge(config.Pricing),
		logger:      slog.Default().With("component", "governor"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckRateLimit takes one request token for the user and the organization.
func (g *Governor) CheckRateLimit(ctx context.Context, userID, orgID string) error {
	if ok, wait := g.userLimiter.Allow(ratelimit.Key("user", userID)); !ok {
		g.logger.Info("user rate limited", "user_id", userID, "org_id", orgID, "retry_after", wait)
		return ErrRateLimited
	}
	if ok, wait := g.orgLimiter.Allow(ratelimit.Key("org", orgID)); !ok {
		g.logger.Info("organization rate limited", "org_id", orgID, "retry_after", wait)
		return ErrRateLimited
	}
	return nil
}

// CheckBudget fails when the organization has spent its monthly budget or
// has AI disabled. A ledger failure yields ErrUnavailable.
func (g *Governor) CheckBudget(ctx context.Context, orgID string) error {
	budget, err := g.ledger.Budget(ctx, orgID, g.now())
	if err != nil {
		g.logger.Error("budget check failed", "org_id", orgID, "error", err)
		return ErrUnavailable
	}
	if !budget.Enabled {
		return ErrDisabled
	}
	if budget.LimitUSD > 0 && budget.SpentUSD >= budget.LimitUSD {
		g.logger.Info("budget exceeded", "org_id", orgID, "spent_usd", budget.SpentUSD, "limit_usd", budget.LimitUSD)
		return ErrBudgetExceeded
	}
	return nil
}

// RecordUsage prices and stores one provider call. Callers treat failures as
// non-fatal.
func (g *Governor) RecordUsage(ctx context.Context, rec usage.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = g.now()
	}
	if cost, ok := g.pricing.Lookup(rec.Model); ok {
		rec.CostUSD = cost.Estimate(rec.Usage)
	} else {
		g.logger.Debug("no price for model", "model", rec.Model)
	}
	if g.recorder != nil {
		g.recorder.RecordTokens(rec.Model, rec.Usage, rec.CostUSD)
	}
	if err := g.ledger.Record(ctx, rec); err != nil {
		g.logger.Warn("failed to record usage",
			"session_id", rec.SessionID,
			"org_id", rec.OrgID,
			"error", err)
		return err
	}
	return nil
}
