package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/meridian-ppm/meridian/internal/authz"
	"github.com/meridian-ppm/meridian/internal/observability"
)

// Header carrying the already-authenticated user identity, set by the
// gateway in front of this service. The engine performs no credential
// verification of its own.
const identityHeader = "X-User-ID"

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the shared middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	rateLimit := 120
	if cfg.Config != nil && cfg.Config.AdminRateLimit > 0 {
		rateLimit = cfg.Config.AdminRateLimit
	}

	return []func(http.Handler) http.Handler{
		secureMiddleware.Handler,
		httprate.LimitByIP(rateLimit, time.Minute),
		cfg.Metrics.Middleware,
		identityMiddleware,
	}
}

// identityMiddleware lifts the gateway-resolved user ID into the request
// context. Absence is not an error here; guarded routes respond 401.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := strings.TrimSpace(r.Header.Get(identityHeader)); userID != "" {
			r = r.WithContext(authz.ContextWithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}
