package scan

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zombor/nutriscan/internal/history"
)

// HealthChecker reports whether the scan dependencies are reachable
type HealthChecker interface {
	CheckHealth(ctx context.Context) (bool, string)
}

// Server handles HTTP requests for scans and scan history
type Server struct {
	orchestrator *Orchestrator
	history      *history.Service
	health       HealthChecker
	router       chi.Router
	upgrader     websocket.Upgrader
}

// NewServer creates a new Server. history may be nil, in which case the
// history routes answer 503.
func NewServer(orchestrator *Orchestrator, historyService *history.Service, health HealthChecker) *Server {
	s := &Server{
		orchestrator: orchestrator,
		history:      historyService,
		health:       health,
		router:       chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// corsMiddleware adds CORS headers to responses and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.router.Use(corsMiddleware)

	s.router.Get("/api/health", s.handleHealth)

	s.router.Route("/api/scans", func(r chi.Router) {
		r.Post("/", s.handleScan)
		r.Post("/cancel", s.handleCancel)
		r.Get("/state", s.handleState)
		r.Delete("/state/error", s.handleClearError)
		r.Delete("/state/result", s.handleClearResult)
		r.Get("/progress", s.handleProgress)

		r.Group(func(r chi.Router) {
			r.Use(s.requireHistory)
			r.Get("/{id}", s.handleGetScan)
			r.Delete("/{id}", s.handleDeleteScan)
			r.Get("/{id}/image", s.handleGetScanImage)
		})
	})

	s.router.Route("/api/users/{userID}/scans", func(r chi.Router) {
		r.Use(s.requireHistory)
		r.Get("/", s.handleListScans)
		r.Delete("/", s.handleDeleteUserScans)
		r.Get("/export", s.handleExport)
	})
}

// requireHistory rejects history routes when no history is configured
func (s *Server) requireHistory(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.history == nil {
			writeError(w, "Scan history is not configured", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server and stops it when ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down server", "error", err)
		}
	}()

	slog.Info("Starting server", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
