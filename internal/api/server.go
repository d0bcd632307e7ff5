package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensafety/kestrel/internal/alert"
	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/evaluator"
	"github.com/opensafety/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, hub domain.EventFanout, lc *alert.Lifecycle, eval *evaluator.AnomalyEvaluator, engine *rules.Engine, monitor domain.MonitorConfig, version string, async bool) *Server {
	handler := NewHandler(repo, cache, hub, lc, eval, engine, monitor, version, async)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/stats", handler.Stats)

	// Location ingestion and panic signals
	router.Post("/locations", handler.IngestLocation)
	router.Post("/sos", handler.SOS)
	router.Post("/pre-alerts", handler.PreAlert)

	// Alert lifecycle
	router.Get("/alerts", handler.ListAlerts)
	router.Get("/alerts/{id}", handler.GetAlert)
	router.Put("/alerts/{id}/status", handler.UpdateAlertStatus)
	router.Post("/alerts/{id}/cancel", handler.CancelAlert)
	router.Post("/alerts/{id}/escalate", handler.EscalateAlert)

	// Danger zone administration
	router.Post("/zones", handler.CreateZone)
	router.Get("/zones", handler.ListZones)
	router.Get("/zones/{id}", handler.GetZone)
	router.Delete("/zones/{id}", handler.DeleteZone)

	// Tourist registry
	router.Post("/tourists", handler.CreateTourist)
	router.Get("/tourists", handler.ListTourists)
	router.Get("/tourists/{id}", handler.GetTourist)

	// Responder directory
	router.Post("/responders", handler.CreateResponder)
	router.Get("/responders", handler.ListResponders)

	// Anomaly rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Delete("/rules/{id}", handler.DeleteRule)
	router.Post("/rules/reload", handler.ReloadRules)

	// Live event stream for monitoring consoles
	router.Get("/events", handler.StreamEvents)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
