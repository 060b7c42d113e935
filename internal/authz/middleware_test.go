package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-ppm/meridian/internal/platform/httpx"
)

func okHandler() (http.Handler, *bool) {
	called := new(bool)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}), called
}

func doRequest(t *testing.T, h http.Handler, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/projects/p1", nil)
	req.Header.Set("User-Agent", "meridian-test")
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeDenial(t *testing.T, rec *httptest.ResponseRecorder) httpx.Denial {
	t.Helper()
	var d httpx.Denial
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	return d
}

func TestRequireCapabilityNoIdentity(t *testing.T) {
	store := newFakeStore()
	security := NewSecurityLog(nil, 16, nil)
	mw := Middleware{Evaluator: newTestEvaluator(t, store), Security: security}
	next, called := okHandler()

	rec := doRequest(t, mw.RequireCapability(CapProjectUpdate, nil)(next), "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, *called)

	d := decodeDenial(t, rec)
	require.Equal(t, "authentication_missing", d.Error)
	require.Equal(t, "project_update", d.RequiredCapability)

	events := security.Recent(10)
	require.Len(t, events, 1)
	require.Equal(t, EventAuthenticationMissing, events[0].Type)
}

func TestRequireCapabilityDenied(t *testing.T) {
	store := newFakeStore()
	security := NewSecurityLog(nil, 16, nil)
	mw := Middleware{Evaluator: newTestEvaluator(t, store), Security: security}
	next, called := okHandler()

	extract := func(r *http.Request) ScopeContext { return ScopeContext{ProjectID: "p1"} }
	rec := doRequest(t, mw.RequireCapability(CapProjectUpdate, extract)(next), "u1")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, *called)

	d := decodeDenial(t, rec)
	require.Equal(t, "capability_denied", d.Error)
	require.Equal(t, "project_update", d.RequiredCapability)
	require.Equal(t, "p1", d.Context["project_id"])

	events := security.Recent(10)
	require.Len(t, events, 1)
	require.Equal(t, EventCapabilityDenied, events[0].Type)
	require.Equal(t, "u1", events[0].UserID)
	require.Equal(t, "meridian-test", events[0].UserAgent)
	require.NotEmpty(t, events[0].ClientIP)
}

func TestRequireCapabilityGranted(t *testing.T) {
	store := newFakeStore()
	store.assign("u1", RoleProjectManager, ScopeProject, "p1", "project_update")
	mw := Middleware{Evaluator: newTestEvaluator(t, store), Security: NewSecurityLog(nil, 16, nil)}
	next, called := okHandler()

	extract := func(r *http.Request) ScopeContext { return ScopeContext{ProjectID: "p1"} }
	rec := doRequest(t, mw.RequireCapability(CapProjectUpdate, extract)(next), "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, *called)
}

func TestRequireRequirementDeniedListsMissing(t *testing.T) {
	store := newFakeStore()
	store.assign("u1", RoleViewer, ScopeGlobal, "", "project_read")
	security := NewSecurityLog(nil, 16, nil)
	mw := Middleware{Evaluator: newTestEvaluator(t, store), Security: security}
	next, called := okHandler()

	req := AllOf(CapProjectRead, CapFinancialRead, CapReportGenerate)
	rec := doRequest(t, mw.RequireRequirement(req, nil)(next), "u1")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, *called)

	d := decodeDenial(t, rec)
	require.Equal(t, "requirement_unsatisfied", d.Error)
	require.ElementsMatch(t, []string{"financial_read", "report_generate"}, d.MissingCapabilities)
	require.ElementsMatch(t, []string{"project_read", "financial_read", "report_generate"}, d.RequiredCapabilities)

	events := security.Recent(10)
	require.Len(t, events, 1)
	require.Equal(t, EventRequirementFailed, events[0].Type)
}

func TestRequireRequirementSatisfied(t *testing.T) {
	store := newFakeStore()
	store.assign("u1", RoleViewer, ScopeGlobal, "", "project_read", "report_view")
	mw := Middleware{Evaluator: newTestEvaluator(t, store), Security: nil}
	next, called := okHandler()

	req := AnyOf(CapReportView, CapReportGenerate)
	rec := doRequest(t, mw.RequireRequirement(req, nil)(next), "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, *called)
}

func TestSecurityLogRingWraps(t *testing.T) {
	log := NewSecurityLog(nil, 4, nil)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		log.Record(ctx, SecurityEvent{Type: EventCapabilityDenied, Detail: string(rune('a' + i))})
	}
	events := log.Recent(0)
	require.Len(t, events, 4)
	require.Equal(t, "f", events[0].Detail)
	require.Equal(t, "c", events[3].Detail)
}
