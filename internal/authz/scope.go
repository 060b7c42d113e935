package authz

import "strings"

// ScopeContext carries the organizational coordinates of a permission
// check. All fields are optional; the zero value means a global check.
type ScopeContext struct {
	OrganizationID string `json:"organization_id,omitempty"`
	PortfolioID    string `json:"portfolio_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
}

// IsGlobal reports whether no identifier is set.
func (c ScopeContext) IsGlobal() bool {
	return c.OrganizationID == "" && c.PortfolioID == "" && c.ProjectID == "" && c.ResourceID == ""
}

// Type derives the most specific scope present in the context.
func (c ScopeContext) Type() ScopeType {
	switch {
	case c.ProjectID != "":
		return ScopeProject
	case c.PortfolioID != "":
		return ScopePortfolio
	case c.OrganizationID != "":
		return ScopeOrganization
	default:
		return ScopeGlobal
	}
}

// CacheKey returns a deterministic key fragment built from the present
// identifiers, ordered broadest-first. Two equal contexts always produce
// the same fragment.
func (c ScopeContext) CacheKey() string {
	if c.IsGlobal() {
		return "global"
	}
	parts := make([]string, 0, 4)
	if c.OrganizationID != "" {
		parts = append(parts, "org:"+c.OrganizationID)
	}
	if c.PortfolioID != "" {
		parts = append(parts, "pf:"+c.PortfolioID)
	}
	if c.ProjectID != "" {
		parts = append(parts, "prj:"+c.ProjectID)
	}
	if c.ResourceID != "" {
		parts = append(parts, "res:"+c.ResourceID)
	}
	return strings.Join(parts, ":")
}

// Equal reports whether both contexts carry identical identifiers.
func (c ScopeContext) Equal(other ScopeContext) bool {
	return c == other
}

// ScopeID returns the identifier matching the context's derived type, or
// empty for global.
func (c ScopeContext) ScopeID() string {
	switch c.Type() {
	case ScopeProject:
		return c.ProjectID
	case ScopePortfolio:
		return c.PortfolioID
	case ScopeOrganization:
		return c.OrganizationID
	default:
		return ""
	}
}
