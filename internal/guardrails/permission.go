package guardrails

import (
	"context"
	"fmt"

	"github.com/LanternOps/breeze-sub012/internal/auth"
)

// PermissionChecker decides whether a caller's role permits a tool call.
// Denials wrap ErrPermissionDenied; any other error means the check could
// not be made.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, ac *auth.Context, toolName string, tier Tier) error
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context, ac *auth.Context, toolName string, tier Tier) error

func (f PermissionFunc) CheckPermission(ctx context.Context, ac *auth.Context, toolName string, tier Tier) error {
	return f(ctx, ac, toolName, tier)
}

var roleRank = map[auth.Role]int{
	auth.RoleViewer:     0,
	auth.RoleOperator:   1,
	auth.RoleTechnician: 2,
	auth.RoleAdmin:      3,
}

// RolePermissions is role-based access control over tool tiers.
//
// Read-only tools are open to every role. Tools that need approval require
// at least MinApprovalRole. ToolRoles raises the minimum for specific tool
// patterns.
type RolePermissions struct {
	MinApprovalRole auth.Role
	ToolRoles       map[string]auth.Role
}

// DefaultRolePermissions lets operators and above request changes and keeps
// destructive tools for admins.
func DefaultRolePermissions() *RolePermissions {
	return &RolePermissions{
		MinApprovalRole: auth.RoleOperator,
		ToolRoles: map[string]auth.Role{
			"delete_*":       auth.RoleAdmin,
			"execute_script": auth.RoleTechnician,
			"run_command":    auth.RoleTechnician,
		},
	}
}

func (p *RolePermissions) CheckPermission(ctx context.Context, ac *auth.Context, toolName string, tier Tier) error {
	if ac == nil || ac.UserID == "" {
		return fmt.Errorf("%w: no authenticated user", ErrPermissionDenied)
	}
	rank, ok := roleRank[ac.Role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrPermissionDenied, ac.Role)
	}

	required := auth.RoleViewer
	if tier != TierAllowed {
		required = p.MinApprovalRole
	}
	for pattern, role := range p.ToolRoles {
		if matchesPattern([]string{pattern}, toolName) && roleRank[role] > roleRank[required] {
			required = role
		}
	}

	if rank < roleRank[required] {
		return fmt.Errorf("%w: %s role required for %s", ErrPermissionDenied, required, toolName)
	}
	return nil
}
