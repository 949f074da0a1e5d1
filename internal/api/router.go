// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP surface.
type Router struct {
	handler    *Handler
	ws         *WSHandler
	middleware *Middleware
}

// NewRouter creates a router over the given handlers.
func NewRouter(handler *Handler, ws *WSHandler, middleware *Middleware) *Router {
	if middleware == nil {
		middleware = NewMiddleware(nil)
	}
	return &Router{handler: handler, ws: ws, middleware: middleware}
}

// Setup configures all routes and returns the root handler.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS()) // CORS must be global to handle OPTIONS preflight

	// Probes get a permissive rate limit so monitoring never hits 429.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.middleware.RateLimitHealth())
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())

		r.Post("/channels/{id}/messages", router.handler.PostChannelMessage)
		r.Post("/users/{id}/direct", router.handler.PostDirectMessage)

		r.Get("/presence", router.handler.PresenceList)
		r.Get("/presence/{identity}", router.handler.PresenceGet)

		r.Get("/ws", router.ws.ServeHTTP)
	})

	// Dead-row inspection for operators.
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())
		r.Get("/outbox/dead", router.handler.OutboxDead)
		r.Get("/inbox/dead", router.handler.InboxDead)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
