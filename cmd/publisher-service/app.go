package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/logger"
	"mailguard/internal/publisher"
	"mailguard/pkg/bootstrap"
	"mailguard/pkg/health"
	"mailguard/pkg/metrics"
	"mailguard/pkg/middleware"
	"mailguard/pkg/ratelimit"
	"mailguard/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
	done           chan struct{}
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServicePublisher)
	}
	return &App{
		Base: bootstrap.NewBase(cfg, log),
		done: make(chan struct{}),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServicePublisher)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.InitProducer(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	metrics.RegisterPublisherMetrics()
	metrics.RegisterBrokerMetrics()

	a.initRouter()

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	return nil
}

func (a *App) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServicePublisher))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.ServiceNameMiddleware(constants.ServicePublisher))
	router.Use(middleware.LoggerMiddleware(a.Logger))

	healthRegistry := health.NewCheckerRegistry()
	router.GET("/health", healthRegistry.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("")
	if a.Config.Publisher.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromConfig(a.Config.Publisher.RateLimit)
		api.Use(ratelimit.RateLimitMiddleware(rateLimitConfig, a.done))
		a.Logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	svc := publisher.NewService(a.Producer, a.Config.Broker, a.Logger,
		publisher.WithRetry(publisher.PolicyFromConfig(a.Config.Publisher.Retry)),
	)
	publisher.NewHandler(svc, a.Logger).RegisterRoutes(api)

	a.router = router
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errChan:
		if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil {
			a.Logger.Errorw("Shutdown failed", "error", shutdownErr)
		}
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	close(a.done)

	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		var errs []error

		shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return errs
	})
}
