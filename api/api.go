// Package api exposes the issuance engine's administrative and submission
// surface over HTTP: profiles, connectors, and requests, each mapping 1:1
// onto the component operations, with JSON renderings.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/certforge/engine"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine *engine.Engine
	audit  *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{engine: eng}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", a.ListProfiles)
		r.Post("/", a.CreateProfile)
		r.Route("/{profileID}", func(r chi.Router) {
			r.Get("/", a.GetProfile)
			r.Delete("/", a.DeleteProfile)
			r.Get("/config", a.GetProfileConfig)
			r.Put("/config", a.SetProfileConfig)
			r.Post("/commit", a.CommitProfile)
			r.Post("/enable", a.EnableProfile)
			r.Post("/disable", a.DisableProfile)
		})
	})

	r.Route("/connectors", func(r chi.Router) {
		r.Get("/", a.ListConnectors)
		r.Post("/", a.AddConnector)
		r.Route("/{connectorID}", func(r chi.Router) {
			r.Get("/", a.GetConnector)
			r.Post("/hosts", a.AddConnectorHost)
			r.Delete("/hosts", a.RemoveConnectorHost)
		})
	})

	r.Route("/requests", func(r chi.Router) {
		r.Get("/", a.ListRequests)
		r.Post("/", a.SubmitRequest)
		r.Route("/{requestID}", func(r chi.Router) {
			r.Get("/", a.GetRequest)
			r.Post("/approve", a.ApproveRequest)
			r.Post("/reject", a.RejectRequest)
			r.Post("/cancel", a.CancelRequest)
		})
	})

	return r
}
