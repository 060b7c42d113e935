package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is the in-memory Store used across the engine tests.
type fakeStore struct {
	mu           sync.Mutex
	assignments  map[string][]StoredAssignment
	resource     map[string]ResourcePermission
	projects     map[string]ProjectRefs
	portfolioOrg map[string]string
	failAll      bool
	fetchCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assignments:  make(map[string][]StoredAssignment),
		resource:     make(map[string]ResourcePermission),
		projects:     make(map[string]ProjectRefs),
		portfolioOrg: make(map[string]string),
	}
}

func storeKey(userID string, scopeType ScopeType, scopeID string) string {
	return userID + "|" + string(scopeType) + "|" + scopeID
}

func (s *fakeStore) assign(userID, role string, scopeType ScopeType, scopeID string, caps ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(userID, scopeType, scopeID)
	s.assignments[key] = append(s.assignments[key], StoredAssignment{
		Assignment: RoleAssignment{
			ID:         "as-" + role + "-" + scopeID,
			UserID:     userID,
			Role:       role,
			ScopeType:  scopeType,
			ScopeID:    scopeID,
			AssignedAt: time.Now(),
			IsActive:   true,
		},
		Capabilities: caps,
	})
}

func (s *fakeStore) AssignmentsAt(ctx context.Context, userID string, scopeType ScopeType, scopeID string) ([]StoredAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.failAll {
		return nil, errors.New("store offline")
	}
	rows := s.assignments[storeKey(userID, scopeType, scopeID)]
	out := make([]StoredAssignment, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *fakeStore) AssignmentsFor(ctx context.Context, userID string) ([]StoredAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("store offline")
	}
	var out []StoredAssignment
	for _, rows := range s.assignments {
		for _, row := range rows {
			if row.Assignment.UserID == userID {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ResourceGrant(ctx context.Context, userID, resourceID string, cap Capability) (ResourcePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return ResourcePermission{}, errors.New("store offline")
	}
	rp, ok := s.resource[userID+"|"+resourceID+"|"+string(cap)]
	if !ok {
		return ResourcePermission{}, ErrNotFound
	}
	return rp, nil
}

func (s *fakeStore) ProjectRefs(ctx context.Context, projectID string) (ProjectRefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.projects[projectID]
	if !ok {
		return ProjectRefs{}, ErrNotFound
	}
	return refs, nil
}

func (s *fakeStore) PortfolioOrganization(ctx context.Context, portfolioID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgID, ok := s.portfolioOrg[portfolioID]
	if !ok {
		return "", ErrNotFound
	}
	return orgID, nil
}

func (s *fakeStore) AssignedUserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, rows := range s.assignments {
		for _, row := range rows {
			if _, dup := seen[row.Assignment.UserID]; !dup {
				seen[row.Assignment.UserID] = struct{}{}
				out = append(out, row.Assignment.UserID)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func (s *fakeStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}
