// Package server implements the HTTP transport layer for the gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/app"
	"github.com/eugener/llmgateway/internal/cache"
	"github.com/eugener/llmgateway/internal/proxy"
	"github.com/eugener/llmgateway/internal/storage"
	"github.com/eugener/llmgateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       gateway.Authenticator // required: key auth for /v1/*
	AdminAuth  gateway.Authenticator // required: admin key auth for /admin/*
	Router     *app.RouterService
	Keys       *app.KeyManager
	Engine     *proxy.Engine
	Store      storage.Store      // admin CRUD against providers/models/logs
	RouteCache *cache.RouteCache  // invalidated on provider/model mutation

	Metrics        *telemetry.Metrics // nil = no Prometheus middleware
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", deps.Engine.ChatCompletions)
	})

	if deps.Store != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authenticateAdmin)

			r.Get("/providers", s.handleListProviders)
			r.Post("/providers", s.handleCreateProvider)
			r.Get("/providers/{id}", s.handleGetProvider)
			r.Put("/providers/{id}", s.handleUpdateProvider)
			r.Delete("/providers/{id}", s.handleDeleteProvider)

			r.Get("/models", s.handleListModels)
			r.Post("/models", s.handleCreateModel)
			r.Get("/models/{id}", s.handleGetModel)
			r.Put("/models/{id}", s.handleUpdateModel)
			r.Delete("/models/{id}", s.handleDeleteModel)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Put("/keys/{id}", s.handleUpdateKey)
			r.Post("/keys/{id}/rotate", s.handleRotateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)

			r.Get("/logs", s.handleListLogs)
		})
	}

	return r
}

type server struct {
	deps Deps
}
