// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package server answers documentation requests from the spec cache.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/telekom/openapi-discovery-operator/pkg/speccache"
)

const (
	DefaultAddr           = ":8080"
	DefaultRequestTimeout = 10 * time.Second
	shutdownTimeout       = 10 * time.Second
)

// Refresher is the part of the refresh engine the server depends on.
type Refresher interface {
	Trigger()
	Ready() bool
}

// Options configure the Server.
type Options struct {
	Addr           string
	RequestTimeout time.Duration
	// Middlewares run after the request ID is assigned, e.g. tracing.
	Middlewares []func(http.Handler) http.Handler
}

// Server serves the cached specifications over HTTP.
type Server struct {
	cache     speccache.Store
	refresher Refresher
	opts      Options
	router    chi.Router
}

// New builds the router. Every response is computed from cache alone.
func New(cache speccache.Store, refresher Refresher, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{cache: cache, refresher: refresher, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(opts.Middlewares...)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(accessLog)

	r.Get("/health", s.health)
	r.Get("/readyz", s.readyz)
	r.Get("/apis", s.listAPIs)
	r.Get("/specs/{name}", s.serveSpec)
	r.Get("/api/{name}", s.serveJSON)
	r.Post("/refresh", s.refresh)
	r.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
	s.router = r

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until ctx is cancelled and then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("Server")
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		BaseContext:       func(_ net.Listener) context.Context { return log.IntoContext(context.Background(), logger) },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
