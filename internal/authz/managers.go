package authz

import (
	"context"
	"log/slog"
)

// Capabilities a portfolio manager may never delegate, regardless of the
// manager's own rights. This ceiling is deliberate: platform
// administration, user management and data import stay with org admins.
var nonDelegable = NewCapabilitySet(
	CapSystemAdmin,
	CapUserManagement,
	CapRoleManagement,
	CapDataImport,
)

// ManagementScope describes the resources a user manages.
type ManagementScope struct {
	Projects   []string `json:"projects"`
	Portfolios []string `json:"portfolios"`
	Global     bool     `json:"global"`
}

// ManagerScoping implements the restriction and elevation logic specific
// to portfolio- and project-manager roles.
type ManagerScoping struct {
	resolver *Resolver
	store    Store
	logger   *slog.Logger
}

// NewManagerScoping constructs the service.
func NewManagerScoping(resolver *Resolver, store Store, logger *slog.Logger) *ManagerScoping {
	return &ManagerScoping{resolver: resolver, store: store, logger: logger}
}

// IsPortfolioManager reports whether the user holds the portfolio_manager
// role directly at the given portfolio.
func (m *ManagerScoping) IsPortfolioManager(ctx context.Context, userID, portfolioID string) bool {
	return m.holdsRoleAt(ctx, userID, RolePortfolioManager, ScopePortfolio, portfolioID,
		ScopeContext{PortfolioID: portfolioID})
}

// IsProjectManager reports whether the user holds the project_manager
// role directly at the given project.
func (m *ManagerScoping) IsProjectManager(ctx context.Context, userID, projectID string) bool {
	return m.holdsRoleAt(ctx, userID, RoleProjectManager, ScopeProject, projectID,
		ScopeContext{ProjectID: projectID})
}

// EnforceProjectScope checks the capability with the manager fallthrough
// order: a global grant, then a portfolio-level grant via the project's
// parent portfolio, then a project-manager grant restricted to that exact
// project.
func (m *ManagerScoping) EnforceProjectScope(ctx context.Context, userID, projectID string, cap Capability) bool {
	if m.resolver.CheckPermission(ctx, userID, cap, ScopeContext{}) {
		return true
	}
	refs, err := m.resolver.CachedProjectRefs(ctx, projectID)
	if err == nil && refs.PortfolioID != "" {
		if m.resolver.CheckPermission(ctx, userID, cap, ScopeContext{PortfolioID: refs.PortfolioID}) {
			return true
		}
	}
	if !m.IsProjectManager(ctx, userID, projectID) {
		return false
	}
	return m.resolver.CheckPermission(ctx, userID, cap, ScopeContext{ProjectID: projectID})
}

// ManagementScope lists everything the user manages: projects they manage
// directly, portfolios they manage, and whether a global management role
// applies.
func (m *ManagerScoping) ManagementScope(ctx context.Context, userID string) ManagementScope {
	scope := ManagementScope{}
	stored, err := m.store.AssignmentsFor(ctx, userID)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("list assignments", slog.String("user_id", userID), slog.Any("error", err))
		}
		return scope
	}
	projects := make(map[string]struct{})
	portfolios := make(map[string]struct{})
	for _, sa := range stored {
		a := sa.Assignment
		switch {
		case a.ScopeType == ScopeGlobal && (a.Role == RoleSystemAdmin || a.Role == RoleOrgAdmin):
			scope.Global = true
		case a.ScopeType == ScopeProject && a.Role == RoleProjectManager:
			projects[a.ScopeID] = struct{}{}
		case a.ScopeType == ScopePortfolio && a.Role == RolePortfolioManager:
			portfolios[a.ScopeID] = struct{}{}
		}
	}
	for id := range projects {
		scope.Projects = append(scope.Projects, id)
	}
	for id := range portfolios {
		scope.Portfolios = append(scope.Portfolios, id)
	}
	return scope
}

// GrantableCapabilities returns the capabilities the user may delegate
// within the portfolio: the intersection of what the user holds there
// with the delegable set.
func (m *ManagerScoping) GrantableCapabilities(ctx context.Context, userID, portfolioID string) []Capability {
	if !m.IsPortfolioManager(ctx, userID, portfolioID) {
		return nil
	}
	held := m.resolver.UserPermissions(ctx, userID, ScopeContext{PortfolioID: portfolioID})
	out := make([]Capability, 0, len(held))
	for _, cap := range held.Sorted() {
		if nonDelegable.Has(cap) {
			continue
		}
		out = append(out, cap)
	}
	return out
}

// CanDelegate reports whether the grantor may delegate the capability
// within the portfolio. The grantor must hold the capability there and
// the capability must be delegable.
func (m *ManagerScoping) CanDelegate(ctx context.Context, grantorID, portfolioID string, cap Capability) bool {
	if nonDelegable.Has(cap) {
		if m.logger != nil {
			m.logger.Warn("delegation refused for restricted capability",
				slog.String("user_id", grantorID), slog.String("capability", string(cap)))
		}
		return false
	}
	if !m.IsPortfolioManager(ctx, grantorID, portfolioID) {
		return false
	}
	return m.resolver.UserPermissions(ctx, grantorID, ScopeContext{PortfolioID: portfolioID}).Has(cap)
}

func (m *ManagerScoping) holdsRoleAt(ctx context.Context, userID, roleName string, scopeType ScopeType, scopeID string, scope ScopeContext) bool {
	for _, role := range m.resolver.EffectiveRoles(ctx, userID, scope) {
		if role.Role == roleName && role.SourceType == scopeType && role.SourceID == scopeID {
			return true
		}
	}
	return false
}
