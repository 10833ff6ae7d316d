// Package server is the HTTP front door: the proxied API, async jobs, pool
// administration, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/core/pool"
	"github.com/vietddude/keyproxy/internal/jobs"
	"github.com/vietddude/keyproxy/internal/proxy"
)

// RequestRouter routes one proxied request.
type RequestRouter interface {
	RouteRequest(ctx context.Context, req *proxy.Request) (*proxy.Response, error)
}

// KeyAdmin manages the credential pool.
type KeyAdmin interface {
	Add(ctx context.Context, id string) error
	BulkAdd(ctx context.Context, ids []string) (pool.BulkResult, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Credential, error)
	Reactivate(ctx context.Context, id string) error
}

// Sweeper runs pool maintenance on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (pool.SweepReport, error)
}

// Pinger checks the durable store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server exposes. Jobs and Sweeper may be nil.
type Deps struct {
	Router     RequestRouter
	Keys       KeyAdmin
	Sweeper    Sweeper
	Jobs       *jobs.Service
	Store      Pinger
	AdminToken string
}

// Server provides the HTTP endpoints.
type Server struct {
	router *chi.Mux
	server *http.Server
	deps   Deps
	now    func() time.Time
	log    *slog.Logger
}

// New creates a new server listening on port.
func New(deps Deps, port int) *Server {
	r := chi.NewRouter()
	s := &Server{
		router: r,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		deps: deps,
		now:  time.Now,
		log:  slog.Default().With("component", "server"),
	}

	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, errNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, errInvalidRequest, "The requested method is not allowed for this resource")
	})

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Handle("/v1beta/*", http.HandlerFunc(s.handleProxy))
	s.router.Handle("/v1/*", http.HandlerFunc(s.handleProxy))

	if s.deps.Jobs != nil {
		s.router.Post("/jobs", s.handleSubmitJob)
		s.router.Get("/jobs/{jobID}", s.handleGetJob)
	}

	if s.deps.AdminToken == "" {
		s.log.Info("Admin endpoints disabled (no admin token set)")
		return
	}
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleAddKeys)
		r.Delete("/keys", s.handleDeleteKey)
		r.Post("/keys/import", s.handleImportKeys)
		r.Post("/keys/reactivate", s.handleReactivateKey)
		r.Post("/sweep", s.handleSweep)
	})
}

// Start serves until Stop is called. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	resp := map[string]string{}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			status, code = "critical", http.StatusServiceUnavailable
			resp["store"] = err.Error()
		}
	}
	resp["status"] = status
	writeJSON(w, code, resp)
}
