// Pairchat - real-time conversation sync server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/pairchat/internal/api"
	"github.com/ashureev/pairchat/internal/config"
	"github.com/ashureev/pairchat/internal/conversation"
	"github.com/ashureev/pairchat/internal/identity"
	"github.com/ashureev/pairchat/internal/middleware"
	"github.com/ashureev/pairchat/internal/presence"
	"github.com/ashureev/pairchat/internal/realtime"
	"github.com/ashureev/pairchat/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreDriver)

	// Initialize dependencies.
	repo, err := store.Open(cfg.StoreDriver, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err, "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "driver", cfg.StoreDriver, "path", cfg.DBPath)

	// Initialize services.
	engine := conversation.NewEngine(repo, conversation.Config{
		TickInterval:      cfg.DraftTickInterval,
		TriggerClearDelay: cfg.TriggerClearDelay,
	})
	sm := realtime.NewManager()

	// Initialize handlers.
	allowedOrigin := cfg.FrontendURL
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	baseHandler := api.NewHandler(repo, engine, cfg.HistoryLimit, cfg.SSEKeepaliveInterval)
	healthHandler := api.NewHealthHandler(repo, cfg.StoreDriver)
	wsHandler := realtime.NewWebSocketHandler(engine, sm, allowedOrigin, cfg.IsDevelopment(), cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS([]string{allowedOrigin}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

		// WebSocket frames are limited per connection.
		r.Get("/ws/conversations/{peerID}", wsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
			baseHandler.RegisterRoutes(r)
		})
	})

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start presence sweeper.
	presence.NewSweeper(engine.Presence, cfg.PresenceStaleAfter, cfg.PresenceSweepCron).Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked websocket connections are not tracked by Shutdown.
	sm.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
