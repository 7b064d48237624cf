package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jwttoken "namereg/internal/jwt_token"
	"namereg/internal/registry/handler"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/httputil"
	authmw "namereg/pkg/platform/middleware/auth"
	"namereg/pkg/platform/middleware/metadata"
	"namereg/pkg/platform/middleware/request"
	"namereg/pkg/platform/middleware/requesttime"
)

const healthTimeout = 2 * time.Second

func newRouter(app *application, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Recovery(log))
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(log))

	r.Get("/healthz", healthHandler(app.health))
	r.Handle("/metrics", promhttp.Handler())
	if app.indexer != nil {
		r.Get("/index/{name}", indexHandler(app))
	}

	requireAuth := authmw.RequireAuth(jwttoken.NewJWTServiceAdapter(app.jwt), log)
	handler.New(app.registry, log).Register(r, requireAuth)
	return r
}

func healthHandler(checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[c.name] = err.Error()
				continue
			}
			results[c.name] = "ok"
		}
		httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
	}
}

// indexHandler serves the event-derived view of a name, which may lag the
// registry itself.
func indexHandler(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := domain.NormalizeName(chi.URLParam(r, "name"))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		entry, ok := app.indexer.Lookup(name)
		if !ok {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "name not indexed"))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, entry)
	}
}
