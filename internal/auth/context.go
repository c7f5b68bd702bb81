package auth

import (
	"context"
	"slices"
)

// Role is the caller's role within their organization.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleOperator   Role = "operator"
	RoleViewer     Role = "viewer"
)

// Scope describes how far a caller's visibility reaches.
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopePartner      Scope = "partner"
	ScopeSystem       Scope = "system"
)

// Context is the authorization context of one caller.
type Context struct {
	UserID string
	Email  string
	Name   string
	Role   Role
	Scope  Scope
	// OrgID is the caller's default organization.
	OrgID string
	// OrgIDs lists the organizations a partner-scoped caller may see.
	OrgIDs []string
}

// CanAccessOrg reports whether the caller may see resources owned by orgID.
func (c *Context) CanAccessOrg(orgID string) bool {
	if c == nil || orgID == "" {
		return false
	}
	switch c.Scope {
	case ScopeSystem:
		return true
	case ScopePartner:
		return orgID == c.OrgID || slices.Contains(c.OrgIDs, orgID)
	default:
		return orgID == c.OrgID
	}
}

// AccessibleOrgIDs returns the organizations visible to the caller.
// A nil slice with ok=true means every organization is visible.
func (c *Context) AccessibleOrgIDs() (ids []string, all bool) {
	if c == nil {
		return []string{}, false
	}
	if c.Scope == ScopeSystem {
		return nil, true
	}
	ids = make([]string, 0, len(c.OrgIDs)+1)
	if c.OrgID != "" {
		ids = append(ids, c.OrgID)
	}
	if c.Scope == ScopePartner {
		for _, id := range c.OrgIDs {
			if id != "" && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	return ids, false
}

type authContextKey struct{}

// WithContext attaches an authorization context to ctx.
func WithContext(ctx context.Context, a *Context) context.Context {
	if a == nil {
		return ctx
	}
	return context.WithValue(ctx, authContextKey{}, a)
}

// FromContext retrieves the authorization context from ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	a, ok := ctx.Value(authContextKey{}).(*Context)
	return a, ok
}
