package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-ppm/meridian/internal/permcache"
)

func newTestManagers(t *testing.T, store Store) *ManagerScoping {
	t.Helper()
	cache := permcache.New(nil, 256, time.Minute, nil, nil)
	resolver := NewResolver(store, NewCatalog(nil), cache, FallbackPolicy{Role: RoleViewer}, nil, nil)
	return NewManagerScoping(resolver, store, nil)
}

func TestIsManagerRequiresDirectAssignment(t *testing.T) {
	store := newFakeStore()
	store.assign("pm", RoleProjectManager, ScopeProject, "p1", "project_update")
	store.assign("pfm", RolePortfolioManager, ScopePortfolio, "pf1", "project_update")
	m := newTestManagers(t, store)
	ctx := context.Background()

	require.True(t, m.IsProjectManager(ctx, "pm", "p1"))
	require.False(t, m.IsProjectManager(ctx, "pm", "p2"))
	require.True(t, m.IsPortfolioManager(ctx, "pfm", "pf1"))
	// Holding the role at the portfolio does not make the user a manager
	// of projects inside it.
	require.False(t, m.IsProjectManager(ctx, "pfm", "p1"))
}

func TestEnforceProjectScopeFallthrough(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = ProjectRefs{ProjectID: "p1", PortfolioID: "pf1"}
	store.assign("admin", RoleSystemAdmin, ScopeGlobal, "", "project_update")
	store.assign("pfm", RolePortfolioManager, ScopePortfolio, "pf1", "project_update")
	store.assign("pm", RoleProjectManager, ScopeProject, "p1", "project_update")
	m := newTestManagers(t, store)
	ctx := context.Background()

	require.True(t, m.EnforceProjectScope(ctx, "admin", "p1", CapProjectUpdate))
	require.True(t, m.EnforceProjectScope(ctx, "pfm", "p1", CapProjectUpdate))
	require.True(t, m.EnforceProjectScope(ctx, "pm", "p1", CapProjectUpdate))

	// A project manager's rights stop at the project boundary.
	store.projects["p2"] = ProjectRefs{ProjectID: "p2", PortfolioID: "pf2"}
	require.False(t, m.EnforceProjectScope(ctx, "pm", "p2", CapProjectUpdate))
	// The portfolio manager's rights stop at the portfolio boundary.
	require.False(t, m.EnforceProjectScope(ctx, "pfm", "p2", CapProjectUpdate))
}

func TestManagementScope(t *testing.T) {
	store := newFakeStore()
	store.assign("u1", RoleProjectManager, ScopeProject, "p1", "project_update")
	store.assign("u1", RoleProjectManager, ScopeProject, "p2", "project_update")
	store.assign("u1", RolePortfolioManager, ScopePortfolio, "pf1", "project_update")
	store.assign("u1", RoleTeamMember, ScopeProject, "p3", "project_read")
	store.assign("admin", RoleOrgAdmin, ScopeGlobal, "", "user_management")
	m := newTestManagers(t, store)
	ctx := context.Background()

	scope := m.ManagementScope(ctx, "u1")
	require.ElementsMatch(t, []string{"p1", "p2"}, scope.Projects)
	require.ElementsMatch(t, []string{"pf1"}, scope.Portfolios)
	require.False(t, scope.Global)

	require.True(t, m.ManagementScope(ctx, "admin").Global)
	empty := m.ManagementScope(ctx, "nobody")
	require.Empty(t, empty.Projects)
	require.False(t, empty.Global)
}

func TestGrantableCapabilitiesExcludesRestricted(t *testing.T) {
	store := newFakeStore()
	store.assign("pfm", RolePortfolioManager, ScopePortfolio, "pf1",
		"project_update", "financial_update", "user_management", "system_admin")
	m := newTestManagers(t, store)
	ctx := context.Background()

	caps := m.GrantableCapabilities(ctx, "pfm", "pf1")
	require.Contains(t, caps, CapProjectUpdate)
	require.Contains(t, caps, CapFinancialUpdate)
	require.NotContains(t, caps, CapUserManagement)
	require.NotContains(t, caps, CapSystemAdmin)

	require.Nil(t, m.GrantableCapabilities(ctx, "pfm", "pf2"))
	require.Nil(t, m.GrantableCapabilities(ctx, "nobody", "pf1"))
}

func TestCanDelegate(t *testing.T) {
	store := newFakeStore()
	store.assign("pfm", RolePortfolioManager, ScopePortfolio, "pf1",
		"project_update", "user_management")
	m := newTestManagers(t, store)
	ctx := context.Background()

	require.True(t, m.CanDelegate(ctx, "pfm", "pf1", CapProjectUpdate))
	// The grantor does not hold financial_update at the portfolio.
	require.False(t, m.CanDelegate(ctx, "pfm", "pf1", CapFinancialUpdate))
	// Restricted capabilities are refused even when held.
	require.False(t, m.CanDelegate(ctx, "pfm", "pf1", CapUserManagement))
	require.False(t, m.CanDelegate(ctx, "nobody", "pf1", CapProjectUpdate))
}
