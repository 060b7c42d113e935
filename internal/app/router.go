package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-ppm/meridian/internal/authz"
	"github.com/meridian-ppm/meridian/internal/observability"
	"github.com/meridian-ppm/meridian/internal/timegrant"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	AuthzHandler   *authz.Handler
	GrantsHandler  *timegrant.Handler
	AuthzGuard     authz.Middleware
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/authz", func(r chi.Router) {
			r.Use(params.AuthzGuard.RequireCapability(authz.CapRoleManagement, nil))
			params.AuthzHandler.MountRoutes(r)
		})
		r.Route("/grants", func(r chi.Router) {
			r.Use(params.AuthzGuard.RequireCapability(authz.CapUserManagement, nil))
			params.GrantsHandler.MountRoutes(r)
		})
	})

	return r
}
