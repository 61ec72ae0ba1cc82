// Command broker runs the pairing broker: the WebSocket relay that mediates
// between embedded display devices and browser app clients over short
// pairing codes. See cmd/broker/main.go's package doc in DESIGN.md for the
// full wiring this binary assembles.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ledmatrix/pairing-broker/internal/v1/auth"
	"github.com/ledmatrix/pairing-broker/internal/v1/config"
	"github.com/ledmatrix/pairing-broker/internal/v1/health"
	"github.com/ledmatrix/pairing-broker/internal/v1/identitystore"
	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/logsink"
	"github.com/ledmatrix/pairing-broker/internal/v1/middleware"
	"github.com/ledmatrix/pairing-broker/internal/v1/ratelimit"
	"github.com/ledmatrix/pairing-broker/internal/v1/registry"
	"github.com/ledmatrix/pairing-broker/internal/v1/room"
	"github.com/ledmatrix/pairing-broker/internal/v1/tracing"
	"github.com/ledmatrix/pairing-broker/internal/v1/transport"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

func main() {
	envPaths := []string{".env", "../../.env", "../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// logging isn't initialized yet; this is the one place a plain stderr
		// write is acceptable before the structured logger exists.
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()
	if !envLoaded {
		logging.Warn(ctx, "no .env file found in any expected location, relying on environment variables")
	}

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "pairing-broker", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var store types.IdentityStore
	if cfg.IdentityStoreAddr != "" {
		store = identitystore.New(cfg.IdentityStoreAddr, cfg.IdentityStoreToken)
		logging.Info(ctx, "identity store configured", zap.String("addr", cfg.IdentityStoreAddr))
	} else {
		store = identitystore.NoopStore{}
		logging.Warn(ctx, "no identity store configured, running in no-auth mode")
	}

	dr, err := registry.New(store, cfg.RedisEnabled, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize device registry", zap.Error(err))
	}
	defer func() { _ = dr.Close() }()

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = redisClient.Close() }()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	verifier := auth.NewVerifier(store, cfg.RequireDeviceAuth, cfg.AuthHMACSkew)
	sink := logsink.New(store, cfg.LogSinkWorkers, cfg.LogSinkQueue)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sink.Close(closeCtx)
	}()

	manager := room.NewManager(verifier, dr, sink, limiter, cfg.RequireDeviceAuth, cfg.EnableBridgeDebugSubscribe)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	hub := transport.NewHub(manager, allowedOrigins, limiter)

	healthHandler := health.NewHandler(dr, storePinger(store))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.GET("/ws", hub.ServeWs)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health/live", healthHandler.Liveness)
	r.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info(ctx, "pairing broker starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
}

// storePinger narrows types.IdentityStore down to what health.Handler needs,
// since identitystore.Client and identitystore.NoopStore both satisfy it but
// types.IdentityStore's full surface doesn't (and needn't) import health.
type storePingerIface interface {
	Ping(ctx context.Context) error
	IsEnabled() bool
}

func storePinger(store types.IdentityStore) health.IdentityStorePinger {
	if p, ok := store.(storePingerIface); ok {
		return p
	}
	return nil
}
