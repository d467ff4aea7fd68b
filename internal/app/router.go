package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cohortd/cohortd/internal/observability"
	"github.com/cohortd/cohortd/internal/permission"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	PermissionHandler *permission.Handler
	Metrics           *observability.Metrics
}

// NewRouter assembles the service routes behind the middleware stack.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Config: params.Config, Metrics: params.Metrics}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		params.PermissionHandler.MountRoutes(r)
	})

	return r
}
