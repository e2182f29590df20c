package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/api/handlers"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/services"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config         config.Config
	router         *gin.Engine
	httpServer     *http.Server
	syncService    *services.SyncService
	webhookService *services.WebhookService
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	syncService *services.SyncService,
	webhookService *services.WebhookService,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:         cfg,
		syncService:    syncService,
		webhookService: webhookService,
		metrics:        metricsCollector,
		tracer:         tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Recovery middleware
	router.Use(gin.Recovery())

	// Report per-route transactions when tracing is enabled
	if app := s.tracer.Application(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	// Register handlers
	webhookHandler := handlers.NewWebhookHandler(s.webhookService, s.config.Webhook.SoftDeadline, s.tracer)
	webhookHandler.RegisterRoutes(router)

	syncHandler := handlers.NewSyncHandler(s.syncService, s.tracer)
	syncHandler.RegisterRoutes(router)

	changesHandler := handlers.NewChangesHandler(s.webhookService, s.tracer)
	changesHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
