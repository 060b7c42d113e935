package authz

import (
	"errors"
	"sort"
	"time"
)

// Sentinel errors surfaced by the engine. EvaluationFault is never returned
// from check paths; it only appears in traces and security events.
var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrNoIdentity indicates that no user identity could be resolved.
	ErrNoIdentity = errors.New("authz: no identity")
	// ErrDenied indicates that a required capability is absent.
	ErrDenied = errors.New("authz: capability denied")
)

// Capability is an atomic named permission, e.g. "project_read".
type Capability string

// ScopeType orders grant scopes by specificity: project > portfolio >
// organization > global.
type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeOrganization ScopeType = "organization"
	ScopePortfolio    ScopeType = "portfolio"
	ScopeProject      ScopeType = "project"
)

// Specificity returns a sortable rank; higher is more specific.
func (s ScopeType) Specificity() int {
	switch s {
	case ScopeProject:
		return 3
	case ScopePortfolio:
		return 2
	case ScopeOrganization:
		return 1
	default:
		return 0
	}
}

// Role groups capabilities under a name. Built-in roles ship with the
// catalog; custom roles live in the backing store.
type Role struct {
	Name         string
	Description  string
	Capabilities []Capability
	IsActive     bool
}

// RoleAssignment ties a user to a role at a scope. ScopeID is empty only
// for global assignments.
type RoleAssignment struct {
	ID         string
	UserID     string
	Role       string
	ScopeType  ScopeType
	ScopeID    string
	AssignedBy string
	AssignedAt time.Time
	ExpiresAt  *time.Time
	IsActive   bool
}

// Valid reports whether the assignment currently applies.
func (a RoleAssignment) Valid(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// EffectiveRole is a role assignment resolved into its capability set plus
// provenance. It is computed per request and never persisted.
type EffectiveRole struct {
	Role         string
	Capabilities []Capability
	SourceType   ScopeType
	SourceID     string
	Inherited    bool
	ExpiresAt    *time.Time
}

// ResourcePermission is a direct allow/deny record for a single resource.
type ResourcePermission struct {
	UserID     string
	ResourceID string
	Capability Capability
	Granted    bool
	GrantedBy  string
	GrantedAt  time.Time
}

// ProjectRefs carries the parent-lookup columns the hierarchy walk needs.
type ProjectRefs struct {
	ProjectID       string
	ParentProjectID string
	PortfolioID     string
	OrganizationID  string
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Add inserts the capability.
func (s CapabilitySet) Add(c Capability) {
	s[c] = struct{}{}
}

// AddAll inserts every capability from caps.
func (s CapabilitySet) AddAll(caps []Capability) {
	for _, c := range caps {
		s[c] = struct{}{}
	}
}

// Sorted returns the members in lexical order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings.
func (s CapabilitySet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}
