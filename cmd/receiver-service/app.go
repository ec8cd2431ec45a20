package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"mailguard/internal/classifier"
	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/consumer"
	"mailguard/internal/logger"
	"mailguard/internal/publisher"
	"mailguard/internal/store"
	"mailguard/pkg/bootstrap"
	"mailguard/pkg/health"
	"mailguard/pkg/metrics"
	"mailguard/pkg/middleware"
	"mailguard/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	healthRegistry *health.CheckerRegistry
	store          store.Store
	pool           *consumer.Pool
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceReceiver)
	}
	return &App{
		Base:           bootstrap.NewBase(cfg, log),
		dbConnector:    bootstrap.NewDatabaseConnector(cfg, log),
		healthRegistry: health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceReceiver)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterConsumerMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterStoreMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	st, err := a.dbConnector.InitStore(ctx, a.healthRegistry)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = st

	cls, err := a.initClassifier(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	a.pool = consumer.NewPool(
		a.Config.Consumer.Workers,
		a.Brokers.NewReceiver,
		cls,
		a.store,
		consumer.ConfigFrom(a.Config),
		a.Logger,
	)

	// The in-memory broker lives in this process, so messages can only be
	// published through this service's own routes.
	if a.Brokers.Type() == constants.BrokerTypeMemory {
		a.Brokers.Memory().Subscribe(a.Config.Broker.Topic, a.Config.Broker.Subscription)
		if err := a.InitProducer(); err != nil {
			return fmt.Errorf("failed to initialize broker: %w", err)
		}
		metrics.RegisterPublisherMetrics()
	}

	a.initServer()
	return nil
}

func (a *App) initClassifier(ctx context.Context) (classifier.Classifier, error) {
	deps := classifier.Deps{Logger: a.Logger}

	if a.Config.Classifier.Cache.Enabled {
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return nil, err
		}
		deps.Redis = rdb
		a.healthRegistry.RegisterOptional(health.NewRedisChecker(rdb))
	}

	cls := classifier.New(a.Config, deps)
	a.Logger.Infow("Classifier ready",
		"inspector_url", a.Config.Classifier.InspectorURL,
		"cache", deps.Redis != nil,
		"circuit_breaker", a.Config.CircuitBreaker.Enabled,
	)
	return cls, nil
}

func (a *App) initServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceReceiver))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.ServiceNameMiddleware(constants.ServiceReceiver))
	router.Use(middleware.LoggerMiddleware(a.Logger))

	router.GET("/health", a.healthRegistry.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if a.Producer != nil {
		svc := publisher.NewService(a.Producer, a.Config.Broker, a.Logger,
			publisher.WithRetry(publisher.PolicyFromConfig(a.Config.Publisher.Retry)),
		)
		publisher.NewHandler(svc, a.Logger).RegisterRoutes(router)
	} else {
		router.GET("/ping", health.Ping)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

// Run serves health and metrics while the worker pool drains the
// subscription. Cancelling ctx lets every in-flight message finish before the
// store and broker are closed.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.pool.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	if err := a.Shutdown(context.Background()); err != nil {
		a.Logger.Errorw("Shutdown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		var errs []error

		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store close error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx)...)

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return errs
	})
}
