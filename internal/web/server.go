// Package web exposes the import service as a JSON API: upload a CSV,
// adjust the mapping, clean rows, submit in the background, and download
// the resulting reports.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/casedesk/importer/internal/config"
	"github.com/casedesk/importer/internal/core"
	"github.com/casedesk/importer/internal/web/middleware"
)

// Server is the HTTP front of the import service.
type Server struct {
	service *core.Service
	cfg     *config.Config
	log     *slog.Logger
	router  chi.Router
	httpSrv *http.Server
	stop    chan struct{}
}

// NewServer wires the router, middleware stack, and routes.
func NewServer(service *core.Service, cfg *config.Config, log *slog.Logger) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		log:     log,
		stop:    make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(securityHeaders)
	r.Use(middleware.RequestLogger)

	if cfg.Rate.Enabled {
		limiter := newIPLimiter(cfg.Rate)
		limiter.startSweeper(s.stop)
		r.Use(limiter.middleware)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if cfg.Security.RequireAPIKey {
			r.Use(middleware.APIKeyAuth(cfg.Security.APIKeys))
		} else {
			r.Use(middleware.AnonymousPrincipal)
		}

		r.Route("/imports", func(r chi.Router) {
			r.Post("/", s.handleCreateImport)
			r.Post("/restore", s.handleRestoreSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleStatus)
				r.Delete("/", s.handleRemoveSession)

				r.Get("/mapping", s.handleGetMapping)
				r.Put("/mapping", s.handleSetMapping)

				r.Get("/rows", s.handleRows)
				r.Patch("/rows/{index}", s.handleEditCell)
				r.Delete("/rows/{index}", s.handleDeleteRow)

				r.Post("/fixes/{kind}", s.handleBulkFix)

				r.Post("/submit", s.handleSubmit)
				r.Post("/retry", s.handleRetry)
				r.Post("/cancel", s.handleCancel)
				r.Get("/progress", s.handleProgress)

				r.Get("/result", s.handleResult)
				r.Get("/errors.csv", s.handleErrorCSV)
				r.Get("/report.json", s.handleReportJSON)

				r.Get("/state", s.handleSerializeSession)
			})
		})
	})

	s.router = r
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until it fails or Shutdown is called.
// WriteTimeout stays at the configured value, zero by default, because
// the progress endpoint streams for the lifetime of a submission.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.log.Info("http server listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.service.SessionCount(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
