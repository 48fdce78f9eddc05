// livelink - real-time multimodal live session server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/livelink/internal/api"
	"github.com/ashureev/livelink/internal/config"
	"github.com/ashureev/livelink/internal/health"
	"github.com/ashureev/livelink/internal/identity"
	"github.com/ashureev/livelink/internal/live"
	"github.com/ashureev/livelink/internal/middleware"
	"github.com/ashureev/livelink/internal/observe"
	"github.com/ashureev/livelink/internal/protocol"
	"github.com/ashureev/livelink/internal/store"
	"github.com/ashureev/livelink/internal/upstream/gemini"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	var metrics *observe.Metrics
	if cfg.Metrics {
		shutdownMetrics, err := observe.InitProvider(ctx, "livelink", version)
		if err != nil {
			slog.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdownMetrics(context.Background()); err != nil {
				slog.Warn("Failed to shut down metrics", "error", err)
			}
		}()
		metrics = observe.DefaultMetrics()
	}

	profiles, err := live.LoadProfiles(cfg.Session.ProfilesPath)
	if err != nil {
		slog.Error("Failed to load mode profiles", "error", err)
		os.Exit(1)
	}
	slog.Info("Mode profiles loaded", "modes", profiles.Modes())

	adapter := gemini.New(cfg.Gemini.APIKey,
		gemini.WithBaseURL(cfg.Gemini.BaseURL),
		gemini.WithModel(cfg.Gemini.Model),
		gemini.WithVoice(cfg.Gemini.Voice),
		gemini.WithLogger(logger),
	)

	verifier := identity.NewVerifier(cfg.Auth.Secret, cfg.Auth.RefreshSecret)
	registry := live.NewRegistry()

	liveCfg := live.HandlerConfig{
		Verifier:       verifier,
		Adapter:        adapter,
		Repo:           repo,
		Registry:       registry,
		Profiles:       profiles,
		Metrics:        metrics,
		Logger:         logger,
		AuthTimeout:    cfg.Auth.Timeout,
		FrameQueueSize: cfg.Session.FrameQueueSize,
		PersistTimeout: cfg.Session.PersistTimeout,
		DefaultModel:   cfg.Gemini.Model,
		DefaultVoice:   cfg.Gemini.Voice,
		AllowedOrigins: cfg.AllowedOrigins(),
	}
	voiceHandler := live.NewHandler(liveCfg, live.Options{})
	analysisHandler := live.NewHandler(liveCfg, live.Options{Mode: protocol.ModeLiveAnalysis})

	// Initialize HTTP handlers.
	baseHandler := api.NewHandler(repo, registry)
	healthHandler := api.NewHealthHandler(baseHandler, 5*time.Second)
	conversationHandler := api.NewConversationHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	// Public routes.
	healthHandler.RegisterHealth(r)
	if cfg.Metrics {
		r.Handle("/metrics", observe.Handler())
	}

	// WebSocket endpoints authenticate inside the handshake.
	r.Get("/ws/voice", voiceHandler.ServeHTTP)
	r.Get("/ws/live", analysisHandler.ServeHTTP)

	// History API.
	r.Group(func(r chi.Router) {
		r.Use(chiMiddleware.Logger)
		r.Use(middleware.CORS(cfg.AllowedOrigins()))
		r.Use(identity.Middleware(verifier))
		conversationHandler.RegisterRoutes(r)
	})

	// Note: websocket connections are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	// gRPC health service.
	healthSrv := health.NewServer(logger)
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := healthSrv.Serve(grpcLis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	go healthSrv.Watch(ctx, repo, 10*time.Second, 2*time.Second)

	// Start the empty conversation janitor.
	store.StartJanitor(ctx, repo, cfg.Retention.Interval, cfg.Retention.EmptyConversationTTL)

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

	slog.Info("Shutting down gracefully...", "sessions", registry.Count())
	healthSrv.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown, so close
	// sessions explicitly and let their pending turns persist.
	registry.CloseAll(protocol.ReasonShutdown)
	if err := registry.Wait(shutdownCtx); err != nil {
		slog.Warn("Sessions did not finish before shutdown deadline", "remaining", registry.Count(), "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	healthSrv.Stop()

	slog.Info("Server stopped successfully")
}
