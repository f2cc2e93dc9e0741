package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariellinfy/liteline-nova/internal/api"
	"github.com/ariellinfy/liteline-nova/internal/auth"
	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/cache"
	"github.com/ariellinfy/liteline-nova/internal/config"
	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/hub"
	"github.com/ariellinfy/liteline-nova/internal/observability"
	"github.com/ariellinfy/liteline-nova/internal/pipeline"
	"github.com/ariellinfy/liteline-nova/internal/presence"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize OpenTelemetry
	otelCleanup, err := observability.InitOpenTelemetry("liteline-nova", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		if err := otelCleanup(context.Background()); err != nil {
			log.Printf("Error shutting down OpenTelemetry: %v", err)
		}
	}()

	// Initialize structured logger
	logger := utils.NewLogger(cfg.LogLevel)

	// Initialize database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize database: %v", err)
	}

	// Initialize KV store (Redis)
	kv, err := cache.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize cache: %v", err)
	}

	// Initialize the cross-node event bus
	eventBus, err := bus.New(cfg.BusURL, logger)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize event bus: %v", err)
	}

	// Presence engine and its reaper
	engine := presence.NewEngine(kv, database, eventBus, logger, presence.Options{
		HeartbeatTTL:   cfg.HeartbeatTTL,
		StaleThreshold: cfg.StaleThreshold,
	})
	reaper := presence.NewReaper(engine, logger, cfg.ReapInterval)
	reaper.Start(context.Background())

	// Message pipeline
	messages := pipeline.New(database, kv, eventBus, logger, pipeline.Options{
		CacheSize: cfg.RecentCacheSize,
		CacheTTL:  cfg.CacheTTL,
	})

	// Socket hub, fed by the bus subscription
	socketHub := hub.New(database, engine, messages, eventBus, kv, logger, hub.Options{
		EventDeadline:     cfg.EventDeadline,
		SessionTTL:        cfg.SessionTTL,
		PurgeOnLeave:      cfg.PurgeOnLeave,
		OfflineOnShutdown: cfg.OfflineOnShutdown,
	})
	socketHub.Start(context.Background())
	eventBus.Start(context.Background(), socketHub.HandleBusEvent)

	// JWT manager
	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize JWT manager: %v", err)
	}

	// Setup HTTP router
	router := api.NewRouter(database, kv, socketHub, jwtMgr, cfg, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(context.Background(), "Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "Server error: %v", err)
		}
	}()

	// Graceful shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received
	<-sigChan
	logger.Info(context.Background(), "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Server shutdown error: %v", err)
	}

	reaper.Stop()
	socketHub.Stop()
	if err := eventBus.Close(); err != nil {
		logger.Error(shutdownCtx, "Event bus close error: %v", err)
	}
	if err := kv.Close(); err != nil {
		logger.Error(shutdownCtx, "Cache close error: %v", err)
	}
	database.Close()

	logger.Info(context.Background(), "Server stopped")
}
