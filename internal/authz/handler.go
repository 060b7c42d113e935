package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-ppm/meridian/internal/permcache"
	"github.com/meridian-ppm/meridian/internal/platform/httpx"
)

// JobEnqueuer submits background maintenance tasks to the queue.
type JobEnqueuer interface {
	// EnqueueGrantsCleanup queues a sweep of lapsed time-window grants
	// and returns the task ID.
	EnqueueGrantsCleanup(ctx context.Context) (string, error)
	// EnqueueSnapshotRefresh queues a snapshot resync for one user, or
	// for all assigned users when userID is empty.
	EnqueueSnapshotRefresh(ctx context.Context, userID string) (string, error)
}

// Handler exposes the engine's administrative HTTP surface. Callers are
// expected to be authenticated upstream; routes are additionally guarded
// by the engine's own middleware where mounted.
type Handler struct {
	logger    *slog.Logger
	evaluator *Evaluator
	managers  *ManagerScoping
	cache     *permcache.Cache
	catalog   *Catalog
	security  *SecurityLog
	enqueuer  JobEnqueuer
	validate  *validator.Validate
}

// NewHandler builds the handler. enqueuer may be nil when no job queue
// is configured; the job routes then report unavailability.
func NewHandler(logger *slog.Logger, evaluator *Evaluator, managers *ManagerScoping, cache *permcache.Cache, catalog *Catalog, security *SecurityLog, enqueuer JobEnqueuer) *Handler {
	return &Handler{
		logger:    logger,
		evaluator: evaluator,
		managers:  managers,
		cache:     cache,
		catalog:   catalog,
		security:  security,
		enqueuer:  enqueuer,
		validate:  validator.New(),
	}
}

// MountRoutes registers the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/capabilities", h.listCapabilities)
	r.Get("/rules", h.listRules)
	r.Get("/users/{userID}/permissions", h.userPermissions)
	r.Get("/users/{userID}/management-scope", h.managementScope)
	r.Post("/invalidate/user/{userID}", h.invalidateUser)
	r.Post("/invalidate/scope", h.invalidateScope)
	r.Post("/cache/clear", h.clearCache)
	r.Get("/cache/stats", h.cacheStats)
	r.Post("/events/assignment-change", h.assignmentChange)
	r.Get("/security/events", h.securityEvents)
	r.Post("/jobs/grants-cleanup", h.enqueueGrantsCleanup)
	r.Post("/jobs/snapshot-refresh", h.enqueueSnapshotRefresh)
}

type scopeRequest struct {
	OrganizationID string `json:"organization_id"`
	PortfolioID    string `json:"portfolio_id"`
	ProjectID      string `json:"project_id"`
	ResourceID     string `json:"resource_id"`
}

func (s scopeRequest) toContext() ScopeContext {
	return ScopeContext{
		OrganizationID: s.OrganizationID,
		PortfolioID:    s.PortfolioID,
		ProjectID:      s.ProjectID,
		ResourceID:     s.ResourceID,
	}
}

type checkRequest struct {
	UserID       string       `json:"user_id" validate:"required"`
	Capability   string       `json:"capability" validate:"required_without=Capabilities"`
	Capabilities []string     `json:"capabilities" validate:"omitempty,min=1"`
	Mode         string       `json:"mode" validate:"omitempty,oneof=all any"`
	Scope        scopeRequest `json:"scope"`
}

// check evaluates a single capability (full pipeline, with trace) or a
// compound all/any requirement over the user's capability set.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	scope := req.Scope.toContext()

	if len(req.Capabilities) > 0 {
		caps := make([]Capability, len(req.Capabilities))
		for i, c := range req.Capabilities {
			caps[i] = Capability(c)
		}
		var requirement Requirement
		if req.Mode == "any" {
			requirement = AnyOf(caps...)
		} else {
			requirement = AllOf(caps...)
		}
		granted := h.evaluator.Resolver().UserPermissions(r.Context(), req.UserID, scope)
		httpx.JSON(w, http.StatusOK, requirement.Check(granted))
		return
	}

	decision := h.evaluator.Evaluate(r.Context(), req.UserID, Capability(req.Capability), scope)
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) listCapabilities(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"capabilities": h.catalog.Capabilities(),
	})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rules": h.evaluator.RuleNames(),
	})
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	scope := ScopeContext{
		OrganizationID: r.URL.Query().Get("organization_id"),
		PortfolioID:    r.URL.Query().Get("portfolio_id"),
		ProjectID:      r.URL.Query().Get("project_id"),
	}
	roles := h.evaluator.Resolver().EffectiveRoles(r.Context(), userID, scope)
	perms := h.evaluator.Resolver().UserPermissions(r.Context(), userID, scope)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"scope":        scope,
		"roles":        roles,
		"capabilities": perms.Strings(),
	})
}

func (h *Handler) managementScope(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	httpx.JSON(w, http.StatusOK, h.managers.ManagementScope(r.Context(), userID))
}

func (h *Handler) invalidateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	h.cache.InvalidateUser(r.Context(), userID)
	h.logger.Info("cache invalidated for user", slog.String("user_id", userID))
	w.WriteHeader(http.StatusNoContent)
}

type invalidateScopeRequest struct {
	ScopeType string `json:"scope_type" validate:"required,oneof=organization portfolio project"`
	ScopeID   string `json:"scope_id" validate:"required"`
}

func (h *Handler) invalidateScope(w http.ResponseWriter, r *http.Request) {
	var req invalidateScopeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.cache.InvalidateScope(r.Context(), req.ScopeType, req.ScopeID)
	h.logger.Info("cache invalidated for scope",
		slog.String("scope_type", req.ScopeType), slog.String("scope_id", req.ScopeID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.cache.ClearAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.cache.Snapshot())
}

type assignmentChangeRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	AssignmentType string `json:"assignment_type" validate:"required"`
	AssignmentID   string `json:"assignment_id"`
	Action         string `json:"action" validate:"required,oneof=assigned revoked updated expired"`
}

func (h *Handler) assignmentChange(w http.ResponseWriter, r *http.Request) {
	var req assignmentChangeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ev := NewAssignmentChangeEvent(req.UserID, req.AssignmentType, req.AssignmentID, req.Action)
	h.evaluator.HandleAssignmentChange(r.Context(), ev)
	httpx.JSON(w, http.StatusAccepted, ev)
}

func (h *Handler) securityEvents(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"events": h.security.Recent(100),
	})
}

func (h *Handler) enqueueGrantsCleanup(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "no job queue configured")
		return
	}
	taskID, err := h.enqueuer.EnqueueGrantsCleanup(r.Context())
	if err != nil {
		h.logger.Error("enqueue grants cleanup", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

type snapshotRefreshRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) enqueueSnapshotRefresh(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "no job queue configured")
		return
	}
	// An empty body means a full resync.
	var req snapshotRefreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	taskID, err := h.enqueuer.EnqueueSnapshotRefresh(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("enqueue snapshot refresh", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}
