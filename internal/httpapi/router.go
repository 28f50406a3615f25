// Bazel Auth Broker - Team-Scoped Vault Tokens for Build Pipelines
// Copyright 2026 BuildSec Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/buildsec/bazel-auth-broker

// Package httpapi provides HTTP routing for the broker using the Chi
// router, with rate limiting per route group and Prometheus metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	// CORSAllowedOrigins is empty by default; browser flows are
	// same-origin and the CLI does not need CORS.
	CORSAllowedOrigins []string

	// RateLimitRequests per window per client IP for the flow endpoints.
	// Zero disables rate limiting (tests).
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DefaultRouterConfig returns the production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CORSAllowedOrigins: []string{},
		RateLimitRequests:  60,
		RateLimitWindow:    time.Minute,
	}
}

// NewRouter assembles the broker's route tree.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// ========================
	// Global Middleware Stack
	// ========================
	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(AccessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	}))

	rateLimit := func(requests int) func(http.Handler) http.Handler {
		if cfg.RateLimitRequests <= 0 {
			return func(next http.Handler) http.Handler { return next }
		}
		return httprate.Limit(requests, cfg.RateLimitWindow, httprate.WithKeyFuncs(httprate.KeyByIP))
	}

	// ========================
	// Health & Keys
	// ========================
	// Permissive limit; monitors poll these.
	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg.RateLimitRequests * 10))
		r.Get("/health", h.Health)
		r.Get("/.well-known/jwks.json", h.JWKS)
	})

	// ========================
	// Browser Flow
	// ========================
	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg.RateLimitRequests))
		r.Get("/", h.Home)
		r.Get("/auth/login", h.Login)
		r.Get("/auth/callback", h.Callback)
		r.Get("/auth/select-team", h.SelectTeamPage)
		r.Post("/auth/select-team", h.SelectTeam)
	})

	// ========================
	// CLI Flow
	// ========================
	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg.RateLimitRequests))
		r.Post("/cli/start", h.CLIStart)
		r.Post("/exchange", h.Exchange)
	})

	// ========================
	// Observability
	// ========================
	r.Handle("/metrics", promhttp.Handler())

	return r
}
