// Package guardrails decides, per tool call, whether the agent may run the
// tool, must ask a human first, or must refuse.
package guardrails

import (
	"errors"
	"fmt"
)

// Tier classifies a tool call before execution.
type Tier string

const (
	TierAllowed          Tier = "allowed"
	TierRequiresApproval Tier = "requires_approval"
	TierBlocked          Tier = "blocked"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierAllowed, TierRequiresApproval, TierBlocked:
		return true
	}
	return false
}

// Stage names the gate step that produced a decision.
type Stage string

const (
	StageRules      Stage = "rules"
	StagePermission Stage = "permission"
	StageRateLimit  Stage = "rate_limit"
)

// Decision is the verdict for one tool call. It is computed fresh for every
// call and never cached.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Tier             Tier   `json:"tier"`
	Reason           string `json:"reason,omitempty"`
	// Description is a human-readable summary shown to approvers.
	Description string `json:"description,omitempty"`
	// Stage is set when a check blocked the call.
	Stage Stage `json:"stage,omitempty"`
}

func allow(tier Tier, reason, description string) Decision {
	return Decision{
		Allowed:          true,
		RequiresApproval: tier == TierRequiresApproval,
		Tier:             tier,
		Reason:           reason,
		Description:      description,
	}
}

func block(stage Stage, reason, description string) Decision {
	return Decision{
		Tier:        TierBlocked,
		Reason:      reason,
		Description: description,
		Stage:       stage,
	}
}

// ErrPermissionDenied is returned by permission checkers when the caller's
// role does not allow a tool.
var ErrPermissionDenied = errors.New("permission denied")

// StageError wraps a failure of the check itself, as opposed to a denial.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("guardrail %s check failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
