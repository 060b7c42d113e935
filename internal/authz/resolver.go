package authz

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-ppm/meridian/internal/permcache"
)

// FallbackPolicy controls what happens when no assignment resolves or the
// backing store fails mid-resolution. The default grants the read-only
// viewer role rather than denying outright.
type FallbackPolicy struct {
	// Role is granted when resolution yields nothing. Empty disables the
	// fallback entirely (checks then deny).
	Role string
	// BreakGlassUsers bypass resolution and receive every capability.
	// Intended for recovery scenarios only; every use is logged at WARN
	// and should be reviewed.
	BreakGlassUsers []string
}

// Resolver walks the scope hierarchy and computes effective roles and
// aggregated capabilities for a user. Results are cached per (user,
// scope) and per (user, capability, scope).
type Resolver struct {
	store    Store
	catalog  *Catalog
	cache    *permcache.Cache
	security *SecurityLog
	logger   *slog.Logger
	fallback FallbackPolicy

	breakGlass map[string]struct{}
}

// NewResolver constructs a Resolver. security may be nil.
func NewResolver(store Store, catalog *Catalog, cache *permcache.Cache, policy FallbackPolicy, security *SecurityLog, logger *slog.Logger) *Resolver {
	bg := make(map[string]struct{}, len(policy.BreakGlassUsers))
	for _, u := range policy.BreakGlassUsers {
		if u != "" {
			bg[u] = struct{}{}
		}
	}
	return &Resolver{
		store:      store,
		catalog:    catalog,
		cache:      cache,
		security:   security,
		logger:     logger,
		fallback:   policy,
		breakGlass: bg,
	}
}

// EffectiveRoles resolves the user's roles applicable at the given scope:
// global assignments unconditionally, plus one fetch per scope level
// present in the context. Store failures degrade to the fallback role.
func (r *Resolver) EffectiveRoles(ctx context.Context, userID string, scope ScopeContext) []EffectiveRole {
	type level struct {
		scopeType ScopeType
		scopeID   string
	}
	levels := []level{{ScopeGlobal, ""}}
	if scope.OrganizationID != "" {
		levels = append(levels, level{ScopeOrganization, scope.OrganizationID})
	}
	if scope.PortfolioID != "" {
		levels = append(levels, level{ScopePortfolio, scope.PortfolioID})
	}
	if scope.ProjectID != "" {
		levels = append(levels, level{ScopeProject, scope.ProjectID})
	}

	var (
		mu      sync.Mutex
		stored  []StoredAssignment
		faulted bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, lv := range levels {
		lv := lv
		g.Go(func() error {
			rows, err := r.store.AssignmentsAt(gctx, userID, lv.scopeType, lv.scopeID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				faulted = true
				r.logWarn("fetch assignments", userID, err,
					slog.String("scope_type", string(lv.scopeType)), slog.String("scope_id", lv.scopeID))
				return nil
			}
			stored = append(stored, rows...)
			return nil
		})
	}
	_ = g.Wait()

	if faulted {
		r.security.Record(ctx, SecurityEvent{
			Type:   EventEvaluationFault,
			UserID: userID,
			Scope:  scope,
			Detail: "assignment fetch failed at one or more scope levels",
		})
	}
	if faulted && len(stored) == 0 {
		return r.fallbackRoles()
	}

	contextRank := scope.Type().Specificity()
	roles := make([]EffectiveRole, 0, len(stored))
	for _, sa := range stored {
		a := sa.Assignment
		roles = append(roles, EffectiveRole{
			Role:         a.Role,
			Capabilities: r.catalog.ParseCapabilities(sa.Capabilities),
			SourceType:   a.ScopeType,
			SourceID:     a.ScopeID,
			Inherited:    a.ScopeType != ScopeGlobal && a.ScopeType.Specificity() < contextRank,
			ExpiresAt:    a.ExpiresAt,
		})
	}
	if len(roles) == 0 {
		return r.fallbackRoles()
	}
	return roles
}

// UserPermissions returns the union of capabilities across all effective
// roles. Capability possession is a monotone OR; no priority order or
// deny-override exists in the base model.
func (r *Resolver) UserPermissions(ctx context.Context, userID string, scope ScopeContext) CapabilitySet {
	key := permcache.PrefixPerms + userID + ":" + scope.CacheKey()
	if raw, ok := r.cache.Get(ctx, key); ok {
		var caps []Capability
		if err := json.Unmarshal(raw, &caps); err == nil {
			return NewCapabilitySet(caps...)
		}
		r.cache.Delete(ctx, key)
	}

	set := make(CapabilitySet)
	for _, role := range r.EffectiveRoles(ctx, userID, scope) {
		set.AddAll(role.Capabilities)
	}
	if raw, err := json.Marshal(set.Sorted()); err == nil {
		r.cache.Set(ctx, key, raw)
	}
	return set
}

// CheckPermission reports whether the user holds the capability at the
// given scope. It never fails: store faults degrade toward the fallback
// role, and cache faults degrade to a recomputation.
func (r *Resolver) CheckPermission(ctx context.Context, userID string, cap Capability, scope ScopeContext) bool {
	if _, ok := r.breakGlass[userID]; ok {
		r.logWarn("break-glass user granted", userID, nil, slog.String("capability", string(cap)))
		return true
	}

	key := permcache.PrefixPerm + userID + ":" + string(cap) + ":" + scope.CacheKey()
	if raw, ok := r.cache.Get(ctx, key); ok {
		return len(raw) == 1 && raw[0] == '1'
	}

	granted := r.UserPermissions(ctx, userID, scope).Has(cap)
	val := []byte("0")
	if granted {
		val = []byte("1")
	}
	r.cache.Set(ctx, key, val)
	return granted
}

// CheckProjectPermission applies the explicit fallthrough order for a
// project-scoped check: global grant, then the project itself, then the
// project's parent portfolio. Each step is independently cached.
func (r *Resolver) CheckProjectPermission(ctx context.Context, userID string, cap Capability, projectID string) bool {
	if r.CheckPermission(ctx, userID, cap, ScopeContext{}) {
		return true
	}
	if r.CheckPermission(ctx, userID, cap, ScopeContext{ProjectID: projectID}) {
		return true
	}
	refs, err := r.CachedProjectRefs(ctx, projectID)
	if err != nil || refs.PortfolioID == "" {
		return false
	}
	return r.CheckPermission(ctx, userID, cap, ScopeContext{PortfolioID: refs.PortfolioID})
}

// CheckPortfolioPermission falls through global, the portfolio itself,
// then the owning organization.
func (r *Resolver) CheckPortfolioPermission(ctx context.Context, userID string, cap Capability, portfolioID string) bool {
	if r.CheckPermission(ctx, userID, cap, ScopeContext{}) {
		return true
	}
	if r.CheckPermission(ctx, userID, cap, ScopeContext{PortfolioID: portfolioID}) {
		return true
	}
	orgID, err := r.store.PortfolioOrganization(ctx, portfolioID)
	if err != nil || orgID == "" {
		if err != nil && !errors.Is(err, ErrNotFound) {
			r.logWarn("portfolio organization lookup", userID, err, slog.String("portfolio_id", portfolioID))
		}
		return false
	}
	return r.CheckPermission(ctx, userID, cap, ScopeContext{OrganizationID: orgID})
}

// CheckOrganizationPermission falls through global then the organization.
func (r *Resolver) CheckOrganizationPermission(ctx context.Context, userID string, cap Capability, orgID string) bool {
	if r.CheckPermission(ctx, userID, cap, ScopeContext{}) {
		return true
	}
	return r.CheckPermission(ctx, userID, cap, ScopeContext{OrganizationID: orgID})
}

// CachedProjectRefs returns the project's parent-lookup columns through
// the cache. The hierarchy walk in the evaluator leans on this.
func (r *Resolver) CachedProjectRefs(ctx context.Context, projectID string) (ProjectRefs, error) {
	key := permcache.PrefixRBAC + "prj:" + projectID
	if raw, ok := r.cache.Get(ctx, key); ok {
		var refs ProjectRefs
		if err := json.Unmarshal(raw, &refs); err == nil {
			return refs, nil
		}
		r.cache.Delete(ctx, key)
	}
	refs, err := r.store.ProjectRefs(ctx, projectID)
	if err != nil {
		return ProjectRefs{}, err
	}
	if raw, err := json.Marshal(refs); err == nil {
		r.cache.Set(ctx, key, raw)
	}
	return refs, nil
}

// InvalidateUser drops every cached decision for the user.
func (r *Resolver) InvalidateUser(ctx context.Context, userID string) {
	r.cache.InvalidateUser(ctx, userID)
}

// InvalidateScope drops every cached decision mentioning the scope.
func (r *Resolver) InvalidateScope(ctx context.Context, scopeType ScopeType, scopeID string) {
	r.cache.InvalidateScope(ctx, string(scopeType), scopeID)
}

func (r *Resolver) fallbackRoles() []EffectiveRole {
	if r.fallback.Role == "" {
		return nil
	}
	role, ok := r.catalog.BuiltinRole(r.fallback.Role)
	if !ok {
		r.logWarn("fallback role not in catalog", "", nil, slog.String("role", r.fallback.Role))
		return nil
	}
	return []EffectiveRole{{
		Role:         role.Name,
		Capabilities: role.Capabilities,
		SourceType:   ScopeGlobal,
	}}
}

func (r *Resolver) logWarn(msg, userID string, err error, attrs ...slog.Attr) {
	if r.logger == nil {
		return
	}
	args := make([]any, 0, len(attrs)+2)
	if userID != "" {
		args = append(args, slog.String("user_id", userID))
	}
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	r.logger.Warn(msg, args...)
}
