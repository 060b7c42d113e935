package authz

import (
	"net/http"

	"github.com/meridian-ppm/meridian/internal/platform/httpx"
)

// ScopeExtractor derives a scope context from the request, typically from
// chi URL parameters. A nil extractor means a global check.
type ScopeExtractor func(r *http.Request) ScopeContext

// Middleware wires authorization checks into HTTP handlers. Denials
// produce the standard payload with 401 (no identity) or 403 (capability
// absent) and are recorded as security events.
type Middleware struct {
	Evaluator *Evaluator
	Security  *SecurityLog
}

// RequireCapability guards a route behind a single capability.
func (m Middleware) RequireCapability(cap Capability, extract ScopeExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				m.denyNoIdentity(w, r, []Capability{cap})
				return
			}
			scope := ScopeContext{}
			if extract != nil {
				scope = extract(r)
			}
			decision := m.Evaluator.Evaluate(r.Context(), userID, cap, scope)
			if decision.Granted {
				next.ServeHTTP(w, r)
				return
			}
			m.record(r, SecurityEvent{
				Type:         EventCapabilityDenied,
				UserID:       userID,
				Capabilities: []Capability{cap},
				Scope:        scope,
			})
			httpx.Deny(w, http.StatusForbidden, httpx.Denial{
				Error:              "capability_denied",
				Message:            "missing required capability: " + string(cap),
				RequiredCapability: string(cap),
				Context:            scopePayload(scope),
			})
		})
	}
}

// RequireRequirement guards a route behind a compound requirement. The
// denial payload carries the full missing set and the requirement's
// human-readable description.
func (m Middleware) RequireRequirement(req Requirement, extract ScopeExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				m.denyNoIdentity(w, r, nil)
				return
			}
			scope := ScopeContext{}
			if extract != nil {
				scope = extract(r)
			}
			granted := m.Evaluator.Resolver().UserPermissions(r.Context(), userID, scope)
			result := req.Check(granted)
			if result.Satisfied {
				next.ServeHTTP(w, r)
				return
			}
			missing := result.AllMissing()
			m.record(r, SecurityEvent{
				Type:         EventRequirementFailed,
				UserID:       userID,
				Capabilities: missing,
				Scope:        scope,
				Detail:       req.Describe(),
			})
			httpx.Deny(w, http.StatusForbidden, httpx.Denial{
				Error:                "requirement_unsatisfied",
				Message:              "unsatisfied requirement: " + req.Describe(),
				RequiredCapabilities: capabilityStrings(result.Required),
				MissingCapabilities:  capabilityStrings(missing),
				Context:              scopePayload(scope),
			})
		})
	}
}

func (m Middleware) denyNoIdentity(w http.ResponseWriter, r *http.Request, caps []Capability) {
	m.record(r, SecurityEvent{
		Type:         EventAuthenticationMissing,
		Capabilities: caps,
	})
	d := httpx.Denial{
		Error:   "authentication_missing",
		Message: "no resolvable user identity",
	}
	if len(caps) == 1 {
		d.RequiredCapability = string(caps[0])
	}
	httpx.Deny(w, http.StatusUnauthorized, d)
}

func (m Middleware) record(r *http.Request, ev SecurityEvent) {
	if m.Security == nil {
		return
	}
	ev.ClientIP = r.RemoteAddr
	ev.UserAgent = r.UserAgent()
	m.Security.Record(r.Context(), ev)
}

func scopePayload(scope ScopeContext) map[string]any {
	if scope.IsGlobal() {
		return nil
	}
	out := make(map[string]any, 4)
	if scope.OrganizationID != "" {
		out["organization_id"] = scope.OrganizationID
	}
	if scope.PortfolioID != "" {
		out["portfolio_id"] = scope.PortfolioID
	}
	if scope.ProjectID != "" {
		out["project_id"] = scope.ProjectID
	}
	if scope.ResourceID != "" {
		out["resource_id"] = scope.ResourceID
	}
	return out
}

func capabilityStrings(caps []Capability) []string {
	if len(caps) == 0 {
		return nil
	}
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
