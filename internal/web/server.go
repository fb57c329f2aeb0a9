// Package web serves the host-facing HTTP and websocket API.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/metrics"
	"github.com/saltyorg/markerplow/internal/web/handlers"
	"github.com/saltyorg/markerplow/internal/web/middleware"
	"github.com/saltyorg/markerplow/internal/web/sse"
)

// DefaultRequestTimeout bounds every route except the long-lived streams
const DefaultRequestTimeout = 60 * time.Second

// Options are the listener settings of the server
type Options struct {
	Port        int
	Bind        string
	AllowedNets []*net.IPNet
	// RequestTimeout bounds regular API requests; zero uses DefaultRequestTimeout
	RequestTimeout time.Duration
}

// Server represents the web server
type Server struct {
	port           int
	bind           string
	allowedNets    []*net.IPNet
	requestTimeout time.Duration
	router         *chi.Mux
	sseBroker      *sse.Broker
	apiKeys        middleware.KeyValidator
	handlers       *handlers.Handlers
}

// NewServer creates a new web server. The broker is the feed served on
// /api/stream and is stopped when the server shuts down.
func NewServer(opts Options, broker *sse.Broker, apiKeys middleware.KeyValidator, deps handlers.Deps) *Server {
	if deps.Stream == nil {
		deps.Stream = broker
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		port:           opts.Port,
		bind:           opts.Bind,
		allowedNets:    opts.AllowedNets,
		requestTimeout: opts.RequestTimeout,
		router:         chi.NewRouter(),
		sseBroker:      broker,
		apiKeys:        apiKeys,
		handlers:       handlers.New(deps),
	}
	s.setupRoutes()
	return s
}

// Handlers returns the HTTP handlers
func (s *Server) Handlers() *handlers.Handlers {
	return s.handlers
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router
	h := s.handlers

	// Global middleware (applied to all routes, except timeout which is per-group)
	r.Use(chimiddleware.RequestID)
	// AllowSubnets must come BEFORE RealIP so we check the actual connection source
	r.Use(middleware.AllowSubnets(s.allowedNets))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.requestTimeout))
		r.Get("/healthz", h.Healthz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKey(s.apiKeys))

		// Long-lived connections and the backfill sweep run without a timeout
		r.Get("/stream", s.sseBroker.ServeHTTP)
		r.Get("/events/ws", h.APIEventsWebSocket)
		r.Post("/backfill/run", h.APIBackfillRun)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.requestTimeout))

			r.Route("/playback", func(r chi.Router) {
				r.Post("/start", h.APIPlaybackStart)
				r.Post("/progress", h.APIPlaybackProgress)
				r.Post("/stopped", h.APIPlaybackStopped)
			})

			r.Put("/queue/budget", h.APIQueueBudget)
			r.Post("/queue/{queue}", h.APIQueueEnqueue)

			r.Put("/items", h.APIItemsPut)
			r.Route("/episodes/{id}", func(r chi.Router) {
				r.Get("/markers", h.APIEpisodeMarkersGet)
				r.Put("/markers", h.APIEpisodeMarkersPut)
				r.Post("/propagate", h.APIEpisodePropagate)
				r.Get("/history", h.APIEpisodeHistory)
			})

			r.Get("/sessions", h.APISessions)
			r.Get("/status", h.APIStatus)

			r.Get("/settings", h.APISettingsGet)
			r.Put("/settings", h.APISettingsPut)
		})
	})
}

// Start starts the web server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = fmt.Sprintf("%s:%d", s.bind, s.port)
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// ReadTimeout is for reading request body
		ReadTimeout: 15 * time.Second,
		// WriteTimeout disabled (0) to allow SSE and websocket connections;
		// chi middleware timeout protects regular requests
		WriteTimeout: 0,
		// IdleTimeout for keep-alive connections between requests
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		// Stop SSE broker first to close all client connections gracefully
		s.sseBroker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
