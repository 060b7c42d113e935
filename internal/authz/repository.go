package authz

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the narrow read contract the engine holds against the backing
// store. The engine never writes role assignments; administrative
// surfaces elsewhere own those tables.
type Store interface {
	// AssignmentsAt returns the user's valid role assignments at one
	// scope level, joined with each role's capability identifiers.
	// scopeID is empty only for ScopeGlobal.
	AssignmentsAt(ctx context.Context, userID string, scopeType ScopeType, scopeID string) ([]StoredAssignment, error)
	// AssignmentsFor returns every valid assignment the user holds,
	// across all scope levels.
	AssignmentsFor(ctx context.Context, userID string) ([]StoredAssignment, error)
	// ResourceGrant looks up a direct per-resource allow/deny record.
	ResourceGrant(ctx context.Context, userID, resourceID string, cap Capability) (ResourcePermission, error)
	// ProjectRefs returns the parent-lookup columns for a project.
	ProjectRefs(ctx context.Context, projectID string) (ProjectRefs, error)
	// PortfolioOrganization returns the owning organization of a portfolio.
	PortfolioOrganization(ctx context.Context, portfolioID string) (string, error)
	// AssignedUserIDs lists users holding at least one valid assignment.
	AssignedUserIDs(ctx context.Context) ([]string, error)
}

// StoredAssignment is a role assignment row joined with its role's raw
// capability identifiers, before catalog filtering.
type StoredAssignment struct {
	Assignment   RoleAssignment
	Capabilities []string
}

// Repository provides PostgreSQL backed reads.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assignmentColumns = `
SELECT ra.id, ra.user_id, ra.role, ra.scope_type, COALESCE(ra.scope_id, ''),
       COALESCE(ra.assigned_by, ''), ra.assigned_at, ra.expires_at, ra.is_active,
       COALESCE(r.capabilities, '{}')
FROM role_assignments ra
JOIN roles r ON r.name = ra.role AND r.is_active
WHERE ra.user_id = $1
  AND ra.is_active
  AND (ra.expires_at IS NULL OR ra.expires_at > NOW())`

// AssignmentsAt returns valid assignments for the user at one scope level.
func (r *Repository) AssignmentsAt(ctx context.Context, userID string, scopeType ScopeType, scopeID string) ([]StoredAssignment, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if scopeType == ScopeGlobal {
		rows, err = r.pool.Query(ctx, assignmentColumns+` AND (ra.scope_type = 'global' OR ra.scope_type IS NULL)`, userID)
	} else {
		rows, err = r.pool.Query(ctx, assignmentColumns+` AND ra.scope_type = $2 AND ra.scope_id = $3`, userID, string(scopeType), scopeID)
	}
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

// AssignmentsFor returns every valid assignment the user holds.
func (r *Repository) AssignmentsFor(ctx context.Context, userID string) ([]StoredAssignment, error) {
	rows, err := r.pool.Query(ctx, assignmentColumns, userID)
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

func scanAssignments(rows pgx.Rows) ([]StoredAssignment, error) {
	defer rows.Close()

	var out []StoredAssignment
	for rows.Next() {
		var (
			sa        StoredAssignment
			scopeRaw  string
			expiresAt *time.Time
		)
		if err := rows.Scan(
			&sa.Assignment.ID, &sa.Assignment.UserID, &sa.Assignment.Role,
			&scopeRaw, &sa.Assignment.ScopeID, &sa.Assignment.AssignedBy,
			&sa.Assignment.AssignedAt, &expiresAt, &sa.Assignment.IsActive,
			&sa.Capabilities,
		); err != nil {
			return nil, err
		}
		if scopeRaw == "" {
			scopeRaw = string(ScopeGlobal)
		}
		sa.Assignment.ScopeType = ScopeType(scopeRaw)
		sa.Assignment.ExpiresAt = expiresAt
		out = append(out, sa)
	}
	return out, rows.Err()
}

// ResourceGrant returns the explicit allow/deny record for the triple, or
// ErrNotFound when none exists.
func (r *Repository) ResourceGrant(ctx context.Context, userID, resourceID string, cap Capability) (ResourcePermission, error) {
	var rp ResourcePermission
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, resource_id, capability, granted, COALESCE(granted_by, ''), granted_at
		FROM resource_permissions
		WHERE user_id = $1 AND resource_id = $2 AND capability = $3`,
		userID, resourceID, string(cap),
	).Scan(&rp.UserID, &rp.ResourceID, &rp.Capability, &rp.Granted, &rp.GrantedBy, &rp.GrantedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResourcePermission{}, ErrNotFound
		}
		return ResourcePermission{}, err
	}
	return rp, nil
}

// ProjectRefs returns the parent-lookup columns for a project.
func (r *Repository) ProjectRefs(ctx context.Context, projectID string) (ProjectRefs, error) {
	refs := ProjectRefs{ProjectID: projectID}
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(parent_project_id::text, ''), COALESCE(portfolio_id::text, ''), COALESCE(organization_id::text, '')
		FROM projects WHERE id = $1`,
		projectID,
	).Scan(&refs.ParentProjectID, &refs.PortfolioID, &refs.OrganizationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProjectRefs{}, ErrNotFound
		}
		return ProjectRefs{}, err
	}
	return refs, nil
}

// PortfolioOrganization returns the organization owning the portfolio.
func (r *Repository) PortfolioOrganization(ctx context.Context, portfolioID string) (string, error) {
	var orgID string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(organization_id::text, '') FROM portfolios WHERE id = $1`,
		portfolioID,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return orgID, nil
}

// AssignedUserIDs lists distinct users with at least one valid assignment.
func (r *Repository) AssignedUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM role_assignments
		WHERE is_active AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
