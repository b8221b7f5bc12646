package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nroduit/viewer-hub-sub002/internal/app"
	"github.com/nroduit/viewer-hub-sub002/internal/config"
	"github.com/nroduit/viewer-hub-sub002/internal/handlers"
	"github.com/nroduit/viewer-hub-sub002/internal/middleware"
	"github.com/nroduit/viewer-hub-sub002/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting viewer hub")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := app.New(cfg, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := a.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("Archive file watcher stopped")
		}
	}()

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(a.DB, a.Store, a.Archives)
	manifestHandler := handlers.NewManifestHandler(a.Service)
	managementHandler := handlers.NewManagementHandler(a.Service)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", handlers.HeaderFailedArchives, handlers.HeaderCacheStatus, handlers.HeaderBuildID},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints (no authentication required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	identity := middleware.Identity(middleware.IdentityConfig{
		Secret:   cfg.Auth.JWTSecret,
		Required: cfg.Auth.Required,
	})

	// Manifest endpoints
	r.Group(func(r chi.Router) {
		r.Use(identity)
		r.Get("/manifest", manifestHandler.Manifest)
		r.Post("/manifest", manifestHandler.Manifest)
		r.Get("/iid", manifestHandler.IID)
		r.Post("/iid", manifestHandler.IID)
	})

	// Management API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identity)

		r.Get("/archives", managementHandler.ListArchives)
		r.Post("/archives/{name}/test", managementHandler.TestArchive)
		r.Delete("/cache/manifests", managementHandler.InvalidateCache)

		if a.Audits != nil {
			r.Get("/audits", handlers.NewAuditHandler(a.Audits).ListAudits)
		}
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed to start")
			stop()
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
