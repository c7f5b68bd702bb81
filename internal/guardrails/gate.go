package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/ratelimit"
)

// Gate runs the guardrail stages for each tool call: static rules, then
// role permissions, then the per-tool-per-user rate limit. Stages short
// circuit and any stage failure blocks the call.
type Gate struct {
	rules   atomic.Pointer[RuleSet]
	perms   PermissionChecker
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPermissions sets the permission checker. Without one every role passes.
func WithPermissions(p PermissionChecker) GateOption {
	return func(g *Gate) { g.perms = p }
}

// WithToolRateLimit limits each user to cfg per tool.
func WithToolRateLimit(cfg ratelimit.Config) GateOption {
	return func(g *Gate) { g.limiter = ratelimit.NewLimiter(cfg) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate builds a gate over rules. A nil rule set uses DefaultRuleSet.
func NewGate(rules *RuleSet, opts ...GateOption) *Gate {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	g := &Gate{logger: slog.Default().With("component", "guardrails")}
	g.rules.Store(rules)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetRules swaps the rule set used by subsequent evaluations.
func (g *Gate) SetRules(rules *RuleSet) error {
	if rules == nil {
		return errors.New("rule set is required")
	}
	if err := rules.Validate(); err != nil {
		return err
	}
	g.rules.Store(rules)
	return nil
}

// Rules returns the active rule set.
func (g *Gate) Rules() *RuleSet {
	return g.rules.Load()
}

// Evaluate decides whether toolName may run with input on behalf of ac.
func (g *Gate) Evaluate(ctx context.Context, toolName string, input json.RawMessage, ac *auth.Context) (decision Decision) {
	description := Describe(toolName, input)
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("guardrail evaluation panicked", "tool", toolName, "panic", r)
			decision = block(StageRules, "Unable to evaluate tool safety", description)
		}
	}()

	tier, reason, err := g.rules.Load().Classify(toolName, input)
	if err != nil {
		g.logger.Warn("guardrail rules failed", "tool", toolName, "error", &StageError{Stage: StageRules, Err: err})
		return block(StageRules, "Tool call blocked: invalid tool input", description)
	}
	if tier == TierBlocked {
		if reason == "" {
			reason = "Tool call blocked by policy"
		}
		return block(StageRules, reason, description)
	}

	if g.perms != nil {
		if err := g.perms.CheckPermission(ctx, ac, toolName, tier); err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				return block(StagePermission, "Permission denied for tool "+toolName, description)
			}
			g.logger.Warn("permission check failed", "tool", toolName, "error", &StageError{Stage: StagePermission, Err: err})
			return block(StagePermission, "Unable to verify permissions for tool "+toolName, description)
		}
	}

	if g.limiter != nil {
		userID := ""
		if ac != nil {
			userID = ac.UserID
		}
		if ok, wait := g.limiter.Allow(ratelimit.Key(userID, NormalizeTool(toolName))); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			return block(StageRateLimit, fmt.Sprintf("Tool rate limit exceeded for %s, retry in %ds", toolName, secs), description)
		}
	}

	return allow(tier, reason, description)
}

const maxDescriptionLength = 300

// Describe renders a tool call for approvers, e.g.
// "run_command (command=ipconfig /all, deviceId=d-1)".
func Describe(toolName string, input json.RawMessage) string {
	fields, err := decodeFields(input)
	if err != nil || len(fields) == 0 {
		return toolName
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := fields[k].(type) {
		case string:
			v = val
		default:
			b, _ := json.Marshal(val)
			v = string(b)
		}
		parts = append(parts, k+"="+v)
	}
	desc := toolName + " (" + strings.Join(parts, ", ") + ")"
	if r := []rune(desc); len(r) > maxDescriptionLength {
		desc = string(r[:maxDescriptionLength-3]) + "..."
	}
	return desc
}
