package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridian-ppm/meridian/internal/observability"
	"github.com/meridian-ppm/meridian/internal/permcache"
)

// Evaluation pipeline stage names, as recorded in traces.
const (
	StageBase      = "base"
	StageHierarchy = "project_hierarchy"
	StageResource  = "resource_grant"
	StageRules     = "custom_rules"
)

const maxHierarchyDepth = 32

// Rule is a pluggable business rule consulted after the built-in stages.
// A rule may flip a denied result to granted; it can never revoke one.
type Rule interface {
	// Name identifies the rule in the registry and in traces.
	Name() string
	// Evaluate reports whether the rule independently grants the
	// capability. currentGranted carries the pipeline result so far.
	Evaluate(ctx context.Context, userID string, cap Capability, scope ScopeContext, currentGranted bool) (bool, error)
}

// TraceStep records one pipeline stage's contribution to a decision.
type TraceStep struct {
	Stage   string `json:"stage"`
	Rule    string `json:"rule,omitempty"`
	Granted bool   `json:"granted"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Decision is the outcome of a full pipeline evaluation.
type Decision struct {
	Granted      bool            `json:"granted"`
	Trace        []TraceStep     `json:"trace"`
	AppliedRules []string        `json:"applied_rules,omitempty"`
	SourceRoles  []EffectiveRole `json:"source_roles,omitempty"`
}

// Evaluator orchestrates the full decision pipeline: base role
// resolution, the project-hierarchy walk, resource-specific grants, and
// the registered custom rules. Every stage may grant; none may revoke.
type Evaluator struct {
	resolver    *Resolver
	store       Store
	cache       *permcache.Cache
	broadcaster *ChangeBroadcaster
	security    *SecurityLog
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu    sync.RWMutex
	order []string
	rules map[string]Rule
}

// NewEvaluator constructs an Evaluator. security and metrics may be nil.
func NewEvaluator(resolver *Resolver, store Store, cache *permcache.Cache, broadcaster *ChangeBroadcaster, security *SecurityLog, metrics *observability.Metrics, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		resolver:    resolver,
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		security:    security,
		logger:      logger,
		metrics:     metrics,
		rules:       make(map[string]Rule),
	}
}

// Resolver exposes the underlying scope-hierarchy resolver.
func (e *Evaluator) Resolver() *Resolver {
	return e.resolver
}

// RegisterRule adds a custom rule. Rules run in registration order; a
// re-registration under an existing name replaces the rule in place.
func (e *Evaluator) RegisterRule(rule Rule) {
	if rule == nil || rule.Name() == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.Name()]; !exists {
		e.order = append(e.order, rule.Name())
	}
	e.rules[rule.Name()] = rule
}

// UnregisterRule removes a custom rule by name.
func (e *Evaluator) UnregisterRule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[name]; !exists {
		return
	}
	delete(e.rules, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// RuleNames lists registered rules in execution order.
func (e *Evaluator) RuleNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Evaluate runs the full pipeline and returns the decision with its
// trace. It never fails; faults degrade to the result accumulated so far.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, cap Capability, scope ScopeContext) Decision {
	d := Decision{}

	// The base check runs against the widened context so a grant held at
	// the project's parent portfolio or organization falls through to the
	// project the same way CheckProjectPermission applies it.
	wide := e.widenScope(ctx, scope)
	granted := e.resolver.CheckPermission(ctx, userID, cap, wide)
	d.Trace = append(d.Trace, TraceStep{Stage: StageBase, Granted: granted})
	if granted {
		d.SourceRoles = e.resolver.EffectiveRoles(ctx, userID, wide)
	}

	if !granted && scope.ProjectID != "" {
		granted = e.checkProjectAncestors(ctx, userID, cap, scope.ProjectID, &d)
	}

	if !granted && scope.ResourceID != "" {
		granted = e.checkResourceGrant(ctx, userID, cap, scope.ResourceID, &d)
	}

	granted = e.runRules(ctx, userID, cap, scope, granted, &d)

	d.Granted = granted
	e.metrics.ObserveCheck(granted)
	return d
}

// widenScope fills ancestor identifiers missing from the caller's
// context so the base check sees every applicable assignment level. A
// project-only context gains its parent portfolio and organization, a
// portfolio-only context gains its organization. Lookup failures leave
// the context as given.
func (e *Evaluator) widenScope(ctx context.Context, scope ScopeContext) ScopeContext {
	if scope.ProjectID != "" && (scope.PortfolioID == "" || scope.OrganizationID == "") {
		if refs, err := e.resolver.CachedProjectRefs(ctx, scope.ProjectID); err == nil {
			if scope.PortfolioID == "" {
				scope.PortfolioID = refs.PortfolioID
			}
			if scope.OrganizationID == "" {
				scope.OrganizationID = refs.OrganizationID
			}
		}
	}
	if scope.PortfolioID != "" && scope.OrganizationID == "" {
		if orgID, err := e.store.PortfolioOrganization(ctx, scope.PortfolioID); err == nil {
			scope.OrganizationID = orgID
		}
	}
	return scope
}

// checkProjectAncestors walks the parent-project chain, re-running the
// scoped fallthrough check at each ancestor so a grant on an ancestor's
// portfolio counts too. The chain lookups go through the cache.
func (e *Evaluator) checkProjectAncestors(ctx context.Context, userID string, cap Capability, projectID string, d *Decision) bool {
	current := projectID
	seen := map[string]struct{}{projectID: {}}
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		refs, err := e.resolver.CachedProjectRefs(ctx, current)
		if err != nil {
			if err != ErrNotFound {
				d.Trace = append(d.Trace, TraceStep{Stage: StageHierarchy, Detail: current, Error: err.Error()})
				e.recordFault(ctx, userID, cap, ScopeContext{ProjectID: current},
					"project hierarchy lookup: "+err.Error())
			}
			return false
		}
		if refs.ParentProjectID == "" {
			return false
		}
		if _, cycle := seen[refs.ParentProjectID]; cycle {
			d.Trace = append(d.Trace, TraceStep{Stage: StageHierarchy, Detail: "cycle at " + refs.ParentProjectID})
			return false
		}
		seen[refs.ParentProjectID] = struct{}{}
		current = refs.ParentProjectID

		granted := e.resolver.CheckProjectPermission(ctx, userID, cap, current)
		d.Trace = append(d.Trace, TraceStep{Stage: StageHierarchy, Granted: granted, Detail: current})
		if granted {
			return true
		}
	}
	return false
}

func (e *Evaluator) checkResourceGrant(ctx context.Context, userID string, cap Capability, resourceID string, d *Decision) bool {
	rp, err := e.store.ResourceGrant(ctx, userID, resourceID, cap)
	if err != nil {
		if err != ErrNotFound {
			d.Trace = append(d.Trace, TraceStep{Stage: StageResource, Error: err.Error()})
			e.recordFault(ctx, userID, cap, ScopeContext{ResourceID: resourceID},
				"resource grant lookup: "+err.Error())
			if e.logger != nil {
				e.logger.Warn("resource grant lookup", slog.String("user_id", userID),
					slog.String("resource_id", resourceID), slog.Any("error", err))
			}
		}
		return false
	}
	// An explicit deny record does not revoke anything granted earlier
	// in the pipeline; it simply declines to grant here.
	d.Trace = append(d.Trace, TraceStep{Stage: StageResource, Granted: rp.Granted, Detail: resourceID})
	return rp.Granted
}

// runRules executes every registered rule in order. Rule execution is
// best-effort: a panic or error in one rule is recorded in the trace and
// does not abort the remaining rules or erase earlier grants.
func (e *Evaluator) runRules(ctx context.Context, userID string, cap Capability, scope ScopeContext, granted bool, d *Decision) bool {
	e.mu.RLock()
	ordered := make([]Rule, 0, len(e.order))
	for _, name := range e.order {
		ordered = append(ordered, e.rules[name])
	}
	e.mu.RUnlock()

	for _, rule := range ordered {
		ruleGranted, err := e.safeEvaluate(ctx, rule, userID, cap, scope, granted)
		step := TraceStep{Stage: StageRules, Rule: rule.Name(), Granted: ruleGranted}
		if err != nil {
			step.Error = err.Error()
			e.metrics.ObserveRuleFault(rule.Name())
			e.recordFault(ctx, userID, cap, scope, "rule "+rule.Name()+": "+err.Error())
			if e.logger != nil {
				e.logger.Error("custom rule fault", slog.String("rule", rule.Name()),
					slog.String("user_id", userID), slog.String("capability", string(cap)),
					slog.Any("error", err))
			}
		}
		d.Trace = append(d.Trace, step)
		if err == nil && ruleGranted && !granted {
			granted = true
			d.AppliedRules = append(d.AppliedRules, rule.Name())
		}
	}
	return granted
}

// recordFault emits an audit record for a pipeline fault. Faults never
// change the decision; they degrade the affected stage to a non-grant.
func (e *Evaluator) recordFault(ctx context.Context, userID string, cap Capability, scope ScopeContext, detail string) {
	e.security.Record(ctx, SecurityEvent{
		Type:         EventEvaluationFault,
		UserID:       userID,
		Capabilities: []Capability{cap},
		Scope:        scope,
		Detail:       detail,
	})
}

func (e *Evaluator) safeEvaluate(ctx context.Context, rule Rule, userID string, cap Capability, scope ScopeContext, granted bool) (result bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = false
			err = fmt.Errorf("rule panic: %v", rec)
		}
	}()
	return rule.Evaluate(ctx, userID, cap, scope, granted)
}

// HandleAssignmentChange reacts to an assignment mutation: the user's
// cached decisions are dropped, the hierarchy cache for the assignment is
// dropped, and the event fans out to subscribers.
func (e *Evaluator) HandleAssignmentChange(ctx context.Context, ev AssignmentChangeEvent) {
	e.cache.InvalidateUser(ctx, ev.UserID)
	if ev.AssignmentID != "" {
		e.cache.InvalidatePattern(ctx, ev.AssignmentID)
	}
	if e.logger != nil {
		e.logger.Info("assignment change",
			slog.String("event_id", ev.ID), slog.String("user_id", ev.UserID),
			slog.String("assignment_id", ev.AssignmentID), slog.String("action", ev.Action))
	}
	if e.broadcaster != nil {
		e.broadcaster.Publish(ctx, ev)
	}
}
