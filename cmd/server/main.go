package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/affretia/backend/docs"
	appsourcing "github.com/affretia/backend/internal/application/sourcing"
	appvigilance "github.com/affretia/backend/internal/application/vigilance"
	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/infrastructure/cache"
	"github.com/affretia/backend/internal/infrastructure/config"
	"github.com/affretia/backend/internal/infrastructure/event"
	"github.com/affretia/backend/internal/infrastructure/logger"
	"github.com/affretia/backend/internal/infrastructure/notification"
	"github.com/affretia/backend/internal/infrastructure/persistence"
	"github.com/affretia/backend/internal/infrastructure/scheduler"
	"github.com/affretia/backend/internal/infrastructure/strategy"
	"github.com/affretia/backend/internal/infrastructure/telemetry"
	"github.com/affretia/backend/internal/interfaces/http/handler"
	"github.com/affretia/backend/internal/interfaces/http/middleware"
	"github.com/affretia/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

//	@title			AFFRET.IA Sourcing API
//	@version		1.0
//	@description	Freight sourcing orchestrator: compliance-gated shortlists, broadcast, scoring and carrier assignment.
//	@BasePath		/api/v1

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	production := cfg.App.Env == "production"
	log.Info("Starting AFFRET.IA sourcing backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", telemetry.ServiceVersion),
	)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(rootCtx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(rootCtx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	logsProvider, err := telemetry.NewLoggerProvider(rootCtx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	if logsProvider.IsEnabled() {
		bridged, err := logger.New(logCfg, logger.WithCore(logsProvider.ZapCore(logger.ParseLevel(cfg.Log.Level))))
		if err != nil {
			log.Fatal("Failed to bridge logger to OTLP", zap.Error(err))
		}
		log = bridged
	}

	// Database
	gormLog := logger.NewGormLogger(logger.Component(log, "gorm"), logger.GormLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		logger.WithFullSQL(cfg.Telemetry.DBLogFullSQL),
	)
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if cfg.Telemetry.Enabled {
		plugin := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:         cfg.Telemetry.DBTraceEnabled,
			LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		}, log)
		if err := plugin.Register(db.DB); err != nil {
			log.Fatal("Failed to register database tracing", zap.Error(err))
		}
	}
	log.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	// Key-value store for exchange offers and tracking records
	kv, err := cache.NewKVStoreFactory(cfg.KV, cfg.Redis,
		cache.WithLogger(logger.Component(log, "kv")),
		cache.WithInMemoryFallback(!production),
	).Create(rootCtx)
	if err != nil {
		log.Fatal("Failed to create KV store", zap.Error(err))
	}
	defer func() { _ = kv.Close() }()

	// Domain events: the bus feeds the event log read by RecentEvents
	eventLog := event.NewEventLog(cfg.Event.LogCapacity)
	bus := event.NewInMemoryEventBus(logger.Component(log, "events"))
	bus.Subscribe(eventLog, eventLog.EventTypes()...)
	bus.Subscribe(event.NewLoggingHandler(logger.Component(log, "events")))

	var publisher shared.EventPublisher = bus
	var notifier *event.AsyncNotifier
	if cfg.Event.HandlerAsync {
		notifier = event.NewAsyncNotifier(bus, logger.Component(log, "events"), cfg.Event.QueueSize, cfg.Event.Workers)
		if err := notifier.Start(rootCtx); err != nil {
			log.Fatal("Failed to start event notifier", zap.Error(err))
		}
		publisher = notifier
	}

	// Vigilance
	vigilanceService := appvigilance.NewService(
		persistence.NewGormVigilanceRecordRepository(db.DB),
		logger.Component(log, "vigilance"),
		appvigilance.WithEventPublisher(publisher),
	)

	// Scoring and counter-offers
	engine, err := scoring.NewEngine(cfg.Scoring.Engine())
	if err != nil {
		log.Fatal("Invalid scoring configuration", zap.Error(err))
	}
	counterOffer, err := strategy.Resolve(cfg.Scoring.CounterOfferStrategy)
	if err != nil {
		log.Fatal("Unknown counter-offer strategy",
			zap.String("strategy", cfg.Scoring.CounterOfferStrategy), zap.Error(err))
	}
	strategies, err := strategy.NewRegistryWithDefaults()
	if err != nil {
		log.Fatal("Failed to build strategy registry", zap.Error(err))
	}
	if err := strategies.SetDefault(counterOffer.Name()); err != nil {
		log.Fatal("Failed to select counter-offer strategy", zap.Error(err))
	}

	dispatcher, err := notification.NewDispatcher(cfg.Notification, logger.Component(log, "notification"))
	if err != nil {
		log.Fatal("Failed to create broadcast dispatcher", zap.Error(err))
	}

	sourcingOpts := []appsourcing.Option{
		appsourcing.WithDispatcher(dispatcher),
		appsourcing.WithEventPublisher(publisher),
		appsourcing.WithEventHistory(eventLog),
		appsourcing.WithCounterOfferStrategy(counterOffer),
		appsourcing.WithConfig(appsourcing.Config{
			ExchangeOfferTTL:   cfg.Sourcing.ExchangeOfferTTL,
			TrackingTTL:        cfg.Sourcing.TrackingTTL,
			DispatchTimeout:    cfg.Sourcing.DispatchTimeout,
			RescoreConcurrency: cfg.Sourcing.RescoreConcurrency,
		}),
	}

	var sourcingMetrics *telemetry.SourcingMetrics
	if meterProvider.IsEnabled() {
		metricsCfg := telemetry.SourcingMetricsConfig{
			Meter:    meterProvider.Meter("affretia/sourcing"),
			Logger:   logger.Component(log, "metrics"),
			Activity: telemetry.NewGormActivityProvider(db.DB),
		}
		if notifier != nil {
			metricsCfg.DroppedEvents = notifier.Dropped
		}
		sourcingMetrics, err = telemetry.NewSourcingMetrics(metricsCfg)
		if err != nil {
			log.Fatal("Failed to create sourcing metrics", zap.Error(err))
		}
		sourcingMetrics.Start(rootCtx)
		sourcingOpts = append(sourcingOpts, appsourcing.WithMetrics(sourcingMetrics))
	}

	sourcingService := appsourcing.NewService(
		persistence.NewGormSessionRepository(db.DB),
		persistence.NewGormProposalRepository(db.DB),
		vigilanceService,
		kv,
		engine,
		logger.Component(log, "sourcing"),
		sourcingOpts...,
	)

	// Periodic compliance re-checks
	recheckScheduler, err := scheduler.NewRecheckScheduler(vigilanceService, logger.Component(log, "scheduler"),
		scheduler.RecheckSchedulerConfig{
			Enabled:    cfg.Vigilance.RecheckEnabled,
			Interval:   cfg.Vigilance.RecheckInterval,
			BatchSize:  cfg.Vigilance.RecheckBatch,
			MaxBatches: scheduler.DefaultRecheckSchedulerConfig().MaxBatches,
			Timeout:    cfg.Vigilance.RecheckTimeout,
		})
	if err != nil {
		log.Fatal("Invalid re-check scheduler configuration", zap.Error(err))
	}
	if err := recheckScheduler.Start(rootCtx); err != nil {
		log.Fatal("Failed to start re-check scheduler", zap.Error(err))
	}

	// HTTP
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	httpEngine, err := router.NewEngine(router.EngineOptions{
		HTTP:           cfg.HTTP,
		Logger:         logger.Component(log, "http"),
		ServiceName:    cfg.Telemetry.ServiceName,
		TracingEnabled: tracerProvider.IsEnabled(),
		Meters:         meterProvider,
		HSTS:           production,
	})
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	systemHandler := handler.NewSystemHandler(cfg.App.Name, telemetry.ServiceVersion,
		handler.HealthCheck{Name: "database", Check: func(context.Context) error { return db.Ping() }},
		handler.HealthCheck{Name: "kv", Check: kvHealthCheck(kv)},
	)
	httpEngine.GET("/health", systemHandler.Health)

	httpEngine.GET("/swagger/*any",
		middleware.SwaggerProtection(middleware.SwaggerConfig{
			Enabled:    cfg.Swagger.Enabled,
			AllowedIPs: cfg.Swagger.AllowedIPs,
		}),
		ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.NewRouter(httpEngine, router.WithAPIVersion("v1"))
	if cfg.HTTP.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateLimitBurst, 0)
		go limiter.Run(rootCtx)
		api.Use(middleware.RateLimit(limiter))
		log.Info("Rate limiting enabled",
			zap.Float64("per_second", cfg.HTTP.RateLimit),
			zap.Int("burst", cfg.HTTP.RateLimitBurst))
	}
	api.Register(router.SourcingRoutes(handler.NewSourcingHandler(sourcingService))).
		Register(router.VigilanceRoutes(handler.NewVigilanceHandler(vigilanceService))).
		Register(router.SystemRoutes(systemHandler, handler.NewStrategyHandler(strategies)))
	api.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        httpEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// background broadcasts still hold sessions; let them finish first
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Sourcing.DrainTimeout)
	if err := sourcingService.Wait(drainCtx); err != nil {
		log.Warn("Background dispatches still running at shutdown", zap.Error(err))
	}
	drainCancel()

	if err := recheckScheduler.Stop(ctx); err != nil {
		log.Warn("Re-check scheduler did not stop cleanly", zap.Error(err))
	}
	if notifier != nil {
		if err := notifier.Stop(ctx); err != nil {
			log.Warn("Event notifier did not drain", zap.Error(err))
		}
	}
	if sourcingMetrics != nil {
		sourcingMetrics.Stop()
	}
	stop()

	if err := meterProvider.Shutdown(ctx); err != nil {
		log.Warn("Meter provider shutdown failed", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		log.Warn("Tracer provider shutdown failed", zap.Error(err))
	}

	log.Info("Server exited gracefully")
	_ = log.Sync()
	if err := logsProvider.Shutdown(context.Background()); err != nil {
		log.Warn("Logger provider shutdown failed", zap.Error(err))
	}
}

// kvHealthCheck reads a sentinel key from the KV store; a missing key is healthy
func kvHealthCheck(kv shared.KVStore) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := kv.Get(ctx, "health:check")
		if err != nil && !errors.Is(err, shared.ErrKeyNotFound) {
			return err
		}
		return nil
	}
}
