package authz

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopeContextType(t *testing.T) {
	require.Equal(t, ScopeGlobal, ScopeContext{}.Type())
	require.Equal(t, ScopeOrganization, ScopeContext{OrganizationID: "o1"}.Type())
	require.Equal(t, ScopePortfolio, ScopeContext{OrganizationID: "o1", PortfolioID: "p1"}.Type())
	require.Equal(t, ScopeProject, ScopeContext{PortfolioID: "p1", ProjectID: "prj1"}.Type())
}

func TestScopeContextCacheKey(t *testing.T) {
	require.Equal(t, "global", ScopeContext{}.CacheKey())
	require.Equal(t, "prj:p1", ScopeContext{ProjectID: "p1"}.CacheKey())
	require.Equal(t, "org:o1:pf:f1:prj:p1:res:r1", ScopeContext{
		OrganizationID: "o1", PortfolioID: "f1", ProjectID: "p1", ResourceID: "r1",
	}.CacheKey())

	// Same identifiers always produce the same key.
	a := ScopeContext{ProjectID: "p1", PortfolioID: "f1"}
	b := ScopeContext{PortfolioID: "f1", ProjectID: "p1"}
	require.Equal(t, a.CacheKey(), b.CacheKey())
	require.True(t, a.Equal(b))
}

func TestScopeContextScopeID(t *testing.T) {
	require.Equal(t, "", ScopeContext{}.ScopeID())
	require.Equal(t, "p1", ScopeContext{ProjectID: "p1", PortfolioID: "f1"}.ScopeID())
	require.Equal(t, "f1", ScopeContext{PortfolioID: "f1", OrganizationID: "o1"}.ScopeID())
}

func TestScopeTypeSpecificity(t *testing.T) {
	require.Greater(t, ScopeProject.Specificity(), ScopePortfolio.Specificity())
	require.Greater(t, ScopePortfolio.Specificity(), ScopeOrganization.Specificity())
	require.Greater(t, ScopeOrganization.Specificity(), ScopeGlobal.Specificity())
}
