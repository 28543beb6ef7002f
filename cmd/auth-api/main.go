package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	_ "github.com/noah-isme/authsession-api/api/swagger"
	"github.com/noah-isme/authsession-api/internal/handler"
	"github.com/noah-isme/authsession-api/internal/middleware"
	"github.com/noah-isme/authsession-api/internal/repository"
	"github.com/noah-isme/authsession-api/internal/service"
	"github.com/noah-isme/authsession-api/pkg/cache"
	"github.com/noah-isme/authsession-api/pkg/config"
	"github.com/noah-isme/authsession-api/pkg/database"
	"github.com/noah-isme/authsession-api/pkg/events"
	"github.com/noah-isme/authsession-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/authsession-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/authsession-api/pkg/middleware/requestid"
	"github.com/noah-isme/authsession-api/pkg/tracing"
)

// @title Auth Session API
// @version 1.0.0
// @description Login, refresh token rotation with reuse detection, and session caching.
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logr.Fatal("failed to init tracing", zap.Error(err))
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	metrics := service.NewMetricsService()

	// The cache is advisory. Without it every lookup falls through to Postgres.
	var redisClient redis.UniversalClient
	if client, err := cache.NewRedis(cfg.Redis); err != nil {
		logr.Warn("redis unavailable, running without session cache", zap.Error(err))
	} else {
		redisClient = client
		defer client.Close()
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr, cfg.Redis.OpTimeout, metrics)

	var publisher *events.Publisher
	if cfg.Events.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.Events.NATSURL, cfg.Events.SecuritySubject, logr)
		if err != nil {
			logr.Warn("nats unavailable, security events stay local", zap.Error(err))
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	// A nil publisher drops security events after they are logged and counted.
	sink := service.NewEventRecorder(logr, metrics, publisher)

	tokenCfg := service.TokenConfigFrom(cfg.JWT)
	sessions := service.NewSessionCacheService(cacheRepo, tokenCfg, cfg.Redis.KeyPrefix, logr)
	tokens := service.NewTokenService(repository.NewRefreshTokenRepository(db, metrics), sessions, sink, logr)
	authSvc := service.NewAuthService(service.AuthDeps{
		Users:     repository.NewUserRepository(db, metrics),
		Tokens:    tokens,
		Sessions:  sessions,
		Signer:    service.NewTokenSigner(tokenCfg.Issuer),
		Passwords: service.NewPasswordVerifier(0),
		Events:    sink,
	}, validator.New(), logr, tokenCfg)

	sweeper := service.NewTokenSweeper(tokens, cfg.Session, logr)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics).
		WithCheck("database", true, func(ctx context.Context) bool { return db.PingContext(ctx) == nil }).
		WithCheck("cache", false, cacheRepo.Ping)
	if publisher != nil {
		metricsHandler.WithCheck("events", false, func(context.Context) bool { return publisher.IsConnected() })
	}

	handler.Routes{
		Auth:          handler.NewAuthHandler(authSvc),
		Metrics:       metricsHandler,
		Authenticator: authSvc,
	}.Register(r, cfg.APIPrefix)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           otelhttp.NewHandler(r, cfg.Tracing.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logr.Warn("tracer shutdown failed", zap.Error(err))
	}
}
