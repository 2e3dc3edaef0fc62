package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/devroulette/backend/internal/v1/api"
	"github.com/devroulette/backend/internal/v1/config"
	"github.com/devroulette/backend/internal/v1/gateway"
	"github.com/devroulette/backend/internal/v1/health"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/match"
	"github.com/devroulette/backend/internal/v1/middleware"
	"github.com/devroulette/backend/internal/v1/relay"
	"github.com/devroulette/backend/internal/v1/safety"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/stats"
	"github.com/devroulette/backend/internal/v1/store"
	"github.com/devroulette/backend/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Shared Store ---
	// All instances share one Redis; single-instance dev mode runs an
	// embedded store so the service starts with zero external dependencies.
	var embedded *miniredis.Miniredis
	storeAddr := cfg.RedisAddr
	storePassword := cfg.RedisPassword
	if !cfg.RedisEnabled {
		embedded, err = miniredis.Run()
		if err != nil {
			slog.Error("Failed to start embedded store", "error", err)
			os.Exit(1)
		}
		storeAddr = embedded.Addr()
		storePassword = ""
		slog.Warn("⚠️  Running with embedded in-process store; queue and session state is NOT shared across instances")
	}

	sharedStore, err := store.New(storeAddr, storePassword)
	if err != nil {
		slog.Error("Failed to connect to store", "error", err, "addr", storeAddr)
		os.Exit(1)
	}
	slog.Info("✅ Shared store connected", "addr", storeAddr)

	// --- Tracing (optional) ---
	tracingEnabled := cfg.OTLPEndpoint != ""
	var shutdownTracing func(context.Context) error
	if tracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "signaling", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		shutdownTracing = tp.Shutdown
		slog.Info("✅ Tracing initialized", "collector", cfg.OTLPEndpoint)
	}

	// --- Domain services ---
	sessions := session.NewAuthority(sharedStore, cfg.SessionSecret)
	registry := match.NewRegistry(sharedStore, sessions)
	queue := match.NewQueue(sharedStore, sessions, registry)
	signalRelay := relay.New(sharedStore, registry)
	signalLimit, err := safety.ParseLimit(cfg.RateLimitSignaling)
	if err != nil {
		slog.Error("Invalid RATE_LIMIT_SIGNALING", "error", err)
		os.Exit(1)
	}
	defaultLimit, err := safety.ParseLimit(cfg.RateLimitDefault)
	if err != nil {
		slog.Error("Invalid RATE_LIMIT_DEFAULT", "error", err)
		os.Exit(1)
	}
	limiter := safety.NewLimiter(sharedStore, signalLimit, defaultLimit)
	reports := safety.NewReports(sharedStore, sessions)
	statsSvc := stats.New(sharedStore, queue)

	httpLimits, err := safety.NewHTTPLimiter(cfg, sharedStore.Client())
	if err != nil {
		slog.Error("Failed to build HTTP rate limiters", "error", err)
		os.Exit(1)
	}

	allowedOrigins := cfg.Origins()
	hub := gateway.NewHub(sharedStore, sessions, queue, registry, signalRelay,
		limiter, statsSvc, allowedOrigins)

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware("signaling"))
	}

	router.GET("/ws", hub.ServeWs)

	restHandler := api.NewHandler(sessions, reports, statsSvc, cfg.ICEServers)
	restHandler.Register(router, httpLimits)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(sharedStore)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Signaling server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain websockets first so clients hear about the shutdown before the
	// listener closes.
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}

	if err := sharedStore.Close(); err != nil {
		slog.Error("Failed to close store connection", "error", err)
	}
	if embedded != nil {
		embedded.Close()
	}

	slog.Info("Server exiting")
}
