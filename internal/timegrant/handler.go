package timegrant

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-ppm/meridian/internal/authz"
	"github.com/meridian-ppm/meridian/internal/platform/httpx"
)

// Handler exposes grant administration over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the grant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/temporary", h.grantTemporary)
	r.Post("/scheduled", h.grantScheduled)
	r.Post("/windowed", h.grantWindowed)
	r.Delete("/{grantID}", h.revoke)
	r.Post("/cleanup", h.cleanup)
	r.Get("/check", h.check)
}

type scopeRequest struct {
	OrganizationID string `json:"organization_id"`
	PortfolioID    string `json:"portfolio_id"`
	ProjectID      string `json:"project_id"`
	ResourceID     string `json:"resource_id"`
}

func (s scopeRequest) toContext() authz.ScopeContext {
	return authz.ScopeContext{
		OrganizationID: s.OrganizationID,
		PortfolioID:    s.PortfolioID,
		ProjectID:      s.ProjectID,
		ResourceID:     s.ResourceID,
	}
}

type temporaryRequest struct {
	UserID          string       `json:"user_id" validate:"required"`
	Capability      string       `json:"capability" validate:"required"`
	DurationMinutes int          `json:"duration_minutes" validate:"required,min=1"`
	Scope           scopeRequest `json:"scope"`
	GrantedBy       string       `json:"granted_by"`
}

func (h *Handler) grantTemporary(w http.ResponseWriter, r *http.Request) {
	var req temporaryRequest
	if !h.decode(w, r, &req) {
		return
	}
	grant, err := h.service.GrantTemporary(r.Context(), req.UserID, authz.Capability(req.Capability),
		time.Duration(req.DurationMinutes)*time.Minute, req.Scope.toContext(), req.GrantedBy)
	h.respondGrant(w, grant, err)
}

type scheduledRequest struct {
	UserID     string       `json:"user_id" validate:"required"`
	Capability string       `json:"capability" validate:"required"`
	StartsAt   time.Time    `json:"starts_at" validate:"required"`
	ExpiresAt  time.Time    `json:"expires_at" validate:"required"`
	Scope      scopeRequest `json:"scope"`
	GrantedBy  string       `json:"granted_by"`
}

func (h *Handler) grantScheduled(w http.ResponseWriter, r *http.Request) {
	var req scheduledRequest
	if !h.decode(w, r, &req) {
		return
	}
	grant, err := h.service.GrantScheduled(r.Context(), req.UserID, authz.Capability(req.Capability),
		req.StartsAt, req.ExpiresAt, req.Scope.toContext(), req.GrantedBy)
	h.respondGrant(w, grant, err)
}

type windowedRequest struct {
	UserID     string       `json:"user_id" validate:"required"`
	Capability string       `json:"capability" validate:"required"`
	Windows    []TimeWindow `json:"time_windows" validate:"required,min=1"`
	ExpiresAt  *time.Time   `json:"expires_at"`
	Scope      scopeRequest `json:"scope"`
	GrantedBy  string       `json:"granted_by"`
}

func (h *Handler) grantWindowed(w http.ResponseWriter, r *http.Request) {
	var req windowedRequest
	if !h.decode(w, r, &req) {
		return
	}
	grant, err := h.service.GrantWindowed(r.Context(), req.UserID, authz.Capability(req.Capability),
		req.Windows, req.ExpiresAt, req.Scope.toContext(), req.GrantedBy)
	h.respondGrant(w, grant, err)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "grantID")
	if err := h.service.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no such grant")
			return
		}
		h.logger.Error("revoke grant", slog.String("grant_id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CleanupExpired(r.Context())
	if err != nil {
		h.logger.Error("grant cleanup", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deactivated": count})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	capability := q.Get("capability")
	if userID == "" || capability == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id and capability are required")
		return
	}
	scope := authz.ScopeContext{
		OrganizationID: q.Get("organization_id"),
		PortfolioID:    q.Get("portfolio_id"),
		ProjectID:      q.Get("project_id"),
		ResourceID:     q.Get("resource_id"),
	}
	at := time.Now().UTC()
	if raw := q.Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "at must be RFC3339")
			return
		}
		at = parsed
	}
	granted := h.service.IsGrantedAt(r.Context(), userID, authz.Capability(capability), scope, at)
	httpx.JSON(w, http.StatusOK, map[string]any{"granted": granted, "at": at})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondGrant(w http.ResponseWriter, grant Grant, err error) {
	if err != nil {
		if errors.Is(err, ErrValidation) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("create grant", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}
