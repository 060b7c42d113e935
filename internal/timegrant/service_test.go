package timegrant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-ppm/meridian/internal/authz"
)

type fakeGrantStore struct {
	mu      sync.Mutex
	grants  map[string]Grant
	failAll bool
}

func newFakeGrantStore() *fakeGrantStore {
	return &fakeGrantStore{grants: make(map[string]Grant)}
}

func (s *fakeGrantStore) Insert(ctx context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("store offline")
	}
	s.grants[g.ID] = g
	return nil
}

func (s *fakeGrantStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return authz.ErrNotFound
	}
	g.IsActive = false
	s.grants[id] = g
	return nil
}

func (s *fakeGrantStore) ActiveGrants(ctx context.Context, userID string, cap authz.Capability, scopeKey string) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("store offline")
	}
	var out []Grant
	for _, g := range s.grants {
		if g.IsActive && g.UserID == userID && g.Capability == cap && g.Scope.CacheKey() == scopeKey {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeGrantStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, g := range s.grants {
		if g.IsActive && g.ExpiresAt != nil && g.ExpiresAt.Before(now) {
			g.IsActive = false
			s.grants[id] = g
			count++
		}
	}
	return count, nil
}

func intPtr(v int) *int { return &v }

// wednesdayAt returns a fixed Wednesday (2026-01-07) at the given hour UTC.
func wednesdayAt(hour int) time.Time {
	return time.Date(2026, time.January, 7, hour, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T, store Store, now time.Time) *Service {
	t.Helper()
	svc := NewService(store, nil, nil)
	svc.SetClock(func() time.Time { return now })
	return svc
}

func TestWindowMatching(t *testing.T) {
	businessHours := TimeWindow{
		DaysOfWeek: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour:  intPtr(9),
		EndHour:    intPtr(17),
	}

	require.True(t, businessHours.Matches(wednesdayAt(10)))
	require.True(t, businessHours.Matches(wednesdayAt(9)))
	// EndHour is exclusive.
	require.False(t, businessHours.Matches(wednesdayAt(17)))
	require.False(t, businessHours.Matches(wednesdayAt(20)))
	// 2026-01-10 is a Saturday.
	require.False(t, businessHours.Matches(time.Date(2026, time.January, 10, 10, 0, 0, 0, time.UTC)))

	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.January, 31, 23, 59, 59, 0, time.UTC)
	dated := TimeWindow{StartDate: &start, EndDate: &end}
	require.True(t, dated.Matches(wednesdayAt(10)))
	require.False(t, dated.Matches(time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)))
}

func TestTemporaryGrantLifecycle(t *testing.T) {
	now := wednesdayAt(10)
	store := newFakeGrantStore()
	svc := newTestService(t, store, now)
	ctx := context.Background()
	scope := authz.ScopeContext{ProjectID: "p1"}

	g, err := svc.GrantTemporary(ctx, "u1", authz.CapFinancialUpdate, time.Hour, scope, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, g.ID)

	require.True(t, svc.IsGrantedAt(ctx, "u1", authz.CapFinancialUpdate, scope, now))
	require.True(t, svc.IsGrantedAt(ctx, "u1", authz.CapFinancialUpdate, scope, now.Add(59*time.Minute)))
	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapFinancialUpdate, scope, now.Add(2*time.Hour)))
	// Scope and capability are part of the grant identity.
	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapFinancialUpdate, authz.ScopeContext{ProjectID: "p2"}, now))
	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapFinancialRead, scope, now))

	require.NoError(t, svc.Revoke(ctx, g.ID))
	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapFinancialUpdate, scope, now))
}

func TestTemporaryGrantValidation(t *testing.T) {
	svc := newTestService(t, newFakeGrantStore(), wednesdayAt(10))
	ctx := context.Background()

	_, err := svc.GrantTemporary(ctx, "u1", authz.CapFinancialUpdate, -time.Hour, authz.ScopeContext{}, "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GrantTemporary(ctx, "", authz.CapFinancialUpdate, time.Hour, authz.ScopeContext{}, "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GrantScheduled(ctx, "u1", authz.CapFinancialUpdate, wednesdayAt(12), wednesdayAt(11), authz.ScopeContext{}, "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GrantWindowed(ctx, "u1", authz.CapFinancialUpdate, nil, nil, authz.ScopeContext{}, "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GrantWindowed(ctx, "u1", authz.CapFinancialUpdate,
		[]TimeWindow{{StartHour: intPtr(-1)}}, nil, authz.ScopeContext{}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestScheduledGrantNotYetActive(t *testing.T) {
	now := wednesdayAt(8)
	svc := newTestService(t, newFakeGrantStore(), now)
	ctx := context.Background()

	_, err := svc.GrantScheduled(ctx, "u1", authz.CapDataImport, wednesdayAt(9), wednesdayAt(17), authz.ScopeContext{}, "admin")
	require.NoError(t, err)

	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapDataImport, authz.ScopeContext{}, wednesdayAt(8)))
	require.True(t, svc.IsGrantedAt(ctx, "u1", authz.CapDataImport, authz.ScopeContext{}, wednesdayAt(12)))
	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapDataImport, authz.ScopeContext{}, wednesdayAt(18)))
}

func TestWindowedGrant(t *testing.T) {
	now := wednesdayAt(8)
	svc := newTestService(t, newFakeGrantStore(), now)
	ctx := context.Background()

	windows := []TimeWindow{{
		DaysOfWeek: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour:  intPtr(9),
		EndHour:    intPtr(17),
	}}
	_, err := svc.GrantWindowed(ctx, "u1", authz.CapReportGenerate, windows, nil, authz.ScopeContext{}, "admin")
	require.NoError(t, err)

	require.True(t, svc.IsGrantedAt(ctx, "u1", authz.CapReportGenerate, authz.ScopeContext{}, wednesdayAt(10)))
	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapReportGenerate, authz.ScopeContext{}, wednesdayAt(20)))
	require.False(t, svc.IsGrantedAt(ctx, "u1", authz.CapReportGenerate, authz.ScopeContext{},
		time.Date(2026, time.January, 10, 10, 0, 0, 0, time.UTC)))
}

func TestLatestGrantWins(t *testing.T) {
	now := wednesdayAt(10)
	store := newFakeGrantStore()
	svc := newTestService(t, store, now)
	ctx := context.Background()

	_, err := svc.GrantTemporary(ctx, "u1", authz.CapDataImport, time.Hour, authz.ScopeContext{}, "admin")
	require.NoError(t, err)

	// A later grant for the same key supersedes the first in the index.
	svc.SetClock(func() time.Time { return now.Add(time.Minute) })
	_, err = svc.GrantTemporary(ctx, "u1", authz.CapDataImport, 10*time.Hour, authz.ScopeContext{}, "admin")
	require.NoError(t, err)

	require.True(t, svc.IsGrantedAt(ctx, "u1", authz.CapDataImport, authz.ScopeContext{}, now.Add(5*time.Hour)))
}

func TestLatestGrantWinsAfterReload(t *testing.T) {
	now := wednesdayAt(10)
	store := newFakeGrantStore()
	svc := newTestService(t, store, now)
	ctx := context.Background()

	_, err := svc.GrantTemporary(ctx, "u1", authz.CapDataImport, time.Hour, authz.ScopeContext{}, "admin")
	require.NoError(t, err)
	svc.SetClock(func() time.Time { return now.Add(time.Minute) })
	_, err = svc.GrantTemporary(ctx, "u1", authz.CapDataImport, 10*time.Hour, authz.ScopeContext{}, "admin")
	require.NoError(t, err)

	// A fresh service rebuilds its index from the store on first check and
	// must land on the newest grant.
	reloaded := newTestService(t, store, now.Add(time.Minute))
	require.True(t, reloaded.IsGrantedAt(ctx, "u1", authz.CapDataImport, authz.ScopeContext{}, now.Add(5*time.Hour)))
}

func TestStoreFaultDegradesToDenied(t *testing.T) {
	store := newFakeGrantStore()
	store.failAll = true
	svc := newTestService(t, store, wednesdayAt(10))

	require.False(t, svc.IsGranted(context.Background(), "u1", authz.CapDataImport, authz.ScopeContext{}))
}

func TestCleanupExpired(t *testing.T) {
	now := wednesdayAt(10)
	store := newFakeGrantStore()
	svc := newTestService(t, store, now)
	ctx := context.Background()

	_, err := svc.GrantTemporary(ctx, "u1", authz.CapDataImport, time.Hour, authz.ScopeContext{}, "admin")
	require.NoError(t, err)
	_, err = svc.GrantTemporary(ctx, "u2", authz.CapDataImport, 10*time.Hour, authz.ScopeContext{}, "admin")
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
	count, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.False(t, svc.IsGranted(ctx, "u1", authz.CapDataImport, authz.ScopeContext{}))
	require.True(t, svc.IsGranted(ctx, "u2", authz.CapDataImport, authz.ScopeContext{}))
}

func TestRuleAdapterGrants(t *testing.T) {
	now := wednesdayAt(10)
	store := newFakeGrantStore()
	svc := newTestService(t, store, now)
	ctx := context.Background()
	scope := authz.ScopeContext{ProjectID: "p1"}

	_, err := svc.GrantTemporary(ctx, "u1", authz.CapFinancialUpdate, time.Hour, scope, "admin")
	require.NoError(t, err)

	rule := NewRule(svc)
	require.Equal(t, RuleName, rule.Name())

	granted, err := rule.Evaluate(ctx, "u1", authz.CapFinancialUpdate, scope, false)
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = rule.Evaluate(ctx, "u2", authz.CapFinancialUpdate, scope, false)
	require.NoError(t, err)
	require.False(t, granted)
}
