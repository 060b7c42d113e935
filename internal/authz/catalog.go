package authz

import "log/slog"

// Platform capabilities. The set is closed and versioned: identifiers are
// never renamed or reused once shipped. Persisted role data referencing an
// identifier outside this set is skipped with a warning, never fatal.
const (
	CapProjectRead   Capability = "project_read"
	CapProjectCreate Capability = "project_create"
	CapProjectUpdate Capability = "project_update"
	CapProjectDelete Capability = "project_delete"

	CapPortfolioRead   Capability = "portfolio_read"
	CapPortfolioCreate Capability = "portfolio_create"
	CapPortfolioUpdate Capability = "portfolio_update"
	CapPortfolioDelete Capability = "portfolio_delete"

	CapRiskRead   Capability = "risk_read"
	CapRiskCreate Capability = "risk_create"
	CapRiskUpdate Capability = "risk_update"

	CapFinancialRead   Capability = "financial_read"
	CapFinancialUpdate Capability = "financial_update"

	CapPMRRead   Capability = "pmr_read"
	CapPMRCreate Capability = "pmr_create"
	CapPMRUpdate Capability = "pmr_update"

	CapChangeRequestRead    Capability = "change_request_read"
	CapChangeRequestCreate  Capability = "change_request_create"
	CapChangeRequestApprove Capability = "change_request_approve"

	CapReportView     Capability = "report_view"
	CapReportGenerate Capability = "report_generate"

	CapUserManagement Capability = "user_management"
	CapRoleManagement Capability = "role_management"
	CapDataImport     Capability = "data_import"
	CapSystemAdmin    Capability = "system_admin"
)

// Built-in role names.
const (
	RoleViewer           = "viewer"
	RoleTeamMember       = "team_member"
	RoleProjectManager   = "project_manager"
	RolePortfolioManager = "portfolio_manager"
	RoleOrgAdmin         = "org_admin"
	RoleSystemAdmin      = "system_admin"
)

var allCapabilities = []Capability{
	CapProjectRead, CapProjectCreate, CapProjectUpdate, CapProjectDelete,
	CapPortfolioRead, CapPortfolioCreate, CapPortfolioUpdate, CapPortfolioDelete,
	CapRiskRead, CapRiskCreate, CapRiskUpdate,
	CapFinancialRead, CapFinancialUpdate,
	CapPMRRead, CapPMRCreate, CapPMRUpdate,
	CapChangeRequestRead, CapChangeRequestCreate, CapChangeRequestApprove,
	CapReportView, CapReportGenerate,
	CapUserManagement, CapRoleManagement, CapDataImport, CapSystemAdmin,
}

var builtinRoles = map[string]Role{
	RoleViewer: {
		Name:        RoleViewer,
		Description: "Read-only access to projects, portfolios and reports.",
		Capabilities: []Capability{
			CapProjectRead, CapPortfolioRead, CapRiskRead,
			CapPMRRead, CapChangeRequestRead, CapReportView,
		},
		IsActive: true,
	},
	RoleTeamMember: {
		Name:        RoleTeamMember,
		Description: "Contributor on assigned projects.",
		Capabilities: []Capability{
			CapProjectRead, CapPortfolioRead, CapRiskRead, CapRiskCreate, CapRiskUpdate,
			CapPMRRead, CapChangeRequestRead, CapChangeRequestCreate, CapReportView,
		},
		IsActive: true,
	},
	RoleProjectManager: {
		Name:        RoleProjectManager,
		Description: "Full control over assigned projects.",
		Capabilities: []Capability{
			CapProjectRead, CapProjectUpdate,
			CapPortfolioRead,
			CapRiskRead, CapRiskCreate, CapRiskUpdate,
			CapFinancialRead, CapFinancialUpdate,
			CapPMRRead, CapPMRCreate, CapPMRUpdate,
			CapChangeRequestRead, CapChangeRequestCreate,
			CapReportView, CapReportGenerate,
		},
		IsActive: true,
	},
	RolePortfolioManager: {
		Name:        RolePortfolioManager,
		Description: "Manages a portfolio and all projects under it.",
		Capabilities: []Capability{
			CapProjectRead, CapProjectCreate, CapProjectUpdate, CapProjectDelete,
			CapPortfolioRead, CapPortfolioUpdate,
			CapRiskRead, CapRiskCreate, CapRiskUpdate,
			CapFinancialRead, CapFinancialUpdate,
			CapPMRRead, CapPMRCreate, CapPMRUpdate,
			CapChangeRequestRead, CapChangeRequestCreate, CapChangeRequestApprove,
			CapReportView, CapReportGenerate,
		},
		IsActive: true,
	},
	RoleOrgAdmin: {
		Name:        RoleOrgAdmin,
		Description: "Administers an organization.",
		Capabilities: []Capability{
			CapProjectRead, CapProjectCreate, CapProjectUpdate, CapProjectDelete,
			CapPortfolioRead, CapPortfolioCreate, CapPortfolioUpdate, CapPortfolioDelete,
			CapRiskRead, CapRiskCreate, CapRiskUpdate,
			CapFinancialRead, CapFinancialUpdate,
			CapPMRRead, CapPMRCreate, CapPMRUpdate,
			CapChangeRequestRead, CapChangeRequestCreate, CapChangeRequestApprove,
			CapReportView, CapReportGenerate,
			CapUserManagement, CapRoleManagement, CapDataImport,
		},
		IsActive: true,
	},
	RoleSystemAdmin: {
		Name:         RoleSystemAdmin,
		Description:  "Unrestricted platform administration.",
		Capabilities: allCapabilities,
		IsActive:     true,
	},
}

// Catalog enumerates known capabilities and built-in roles.
type Catalog struct {
	known  CapabilitySet
	logger *slog.Logger
}

// NewCatalog constructs the catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{known: NewCapabilitySet(allCapabilities...), logger: logger}
}

// Capabilities returns every shipped capability in lexical order.
func (c *Catalog) Capabilities() []Capability {
	return c.known.Sorted()
}

// Known reports whether the identifier is a shipped capability.
func (c *Catalog) Known(cap Capability) bool {
	return c.known.Has(cap)
}

// BuiltinRole looks up a built-in role by name.
func (c *Catalog) BuiltinRole(name string) (Role, bool) {
	role, ok := builtinRoles[name]
	return role, ok
}

// BuiltinRoles returns all built-in roles.
func (c *Catalog) BuiltinRoles() []Role {
	out := make([]Role, 0, len(builtinRoles))
	for _, r := range builtinRoles {
		out = append(out, r)
	}
	return out
}

// ParseCapabilities filters persisted capability identifiers down to the
// known set. Unknown identifiers are logged and dropped.
func (c *Catalog) ParseCapabilities(raw []string) []Capability {
	out := make([]Capability, 0, len(raw))
	for _, s := range raw {
		cap := Capability(s)
		if !c.known.Has(cap) {
			if c.logger != nil {
				c.logger.Warn("skipping unknown capability", slog.String("capability", s))
			}
			continue
		}
		out = append(out, cap)
	}
	return out
}
