package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appmapping "github.com/rostersync/backend/internal/application/mapping"
	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/infrastructure/cache"
	"github.com/rostersync/backend/internal/infrastructure/config"
	"github.com/rostersync/backend/internal/infrastructure/logger"
	"github.com/rostersync/backend/internal/infrastructure/persistence"
	"github.com/rostersync/backend/internal/infrastructure/storage"
	"github.com/rostersync/backend/internal/infrastructure/telemetry"
	"github.com/rostersync/backend/internal/interfaces/http/handler"
	"github.com/rostersync/backend/internal/interfaces/http/middleware"
	"github.com/rostersync/backend/internal/interfaces/http/router"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02 15:04:05",
		Service:    cfg.App.Name,
		Sampling:   cfg.Log.Sampling,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting server",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", version),
		zap.String("port", cfg.App.Port))

	if err := run(cfg, log); err != nil {
		log.Fatal("Server terminated", zap.Error(err))
	}
	log.Info("Server exited properly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Environment:       cfg.App.Env,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to shut down tracer provider", zap.Error(err))
		}
	}()

	dbTracing := telemetry.DefaultDBTracingConfig()
	dbTracing.Enabled = cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled
	dbTracing.LogFullSQL = cfg.Telemetry.DBLogFullSQL
	if cfg.Telemetry.DBSlowQueryThresh > 0 {
		dbTracing.SlowQueryThresh = cfg.Telemetry.DBSlowQueryThresh
	}

	db, err := persistence.NewDatabase(&cfg.Database,
		persistence.WithDatabaseLogger(log),
		persistence.WithDatabaseTracing(dbTracing),
	)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database connection", zap.Error(err))
		}
	}()
	log.Info("Database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.DBName))

	mappingCache, err := cache.NewMappingCacheFactory(cfg.Redis, cfg.MappingCache,
		cache.WithLogger(log),
		cache.WithNoopFallback(!cfg.App.IsProduction()),
	).CreateCache()
	if err != nil {
		return fmt.Errorf("initialize mapping cache: %w", err)
	}
	defer func() {
		if err := mappingCache.Close(); err != nil {
			log.Error("Failed to close mapping cache", zap.Error(err))
		}
	}()

	metrics := telemetry.NewMappingMetrics(cfg.Metrics.Namespace)
	if cfg.Metrics.Enabled {
		sqlDB, err := db.SQL()
		if err != nil {
			return err
		}
		if err := metrics.RegisterDB(sqlDB, cfg.Database.DBName); err != nil {
			return fmt.Errorf("register database metrics: %w", err)
		}
	}

	archive, err := newArchive(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize export archive: %w", err)
	}

	svcOpts := []appmapping.Option{
		appmapping.WithLogger(log),
		appmapping.WithMetrics(metrics),
		appmapping.WithTimeouts(cfg.MappingStore.OperationTimeout, cfg.MappingCache.OperationTimeout),
		appmapping.WithCacheTTL(cfg.MappingCache.DefaultTTL),
		appmapping.WithPopulator(cfg.MappingCache.PopulateWorkers, cfg.MappingCache.PopulateQueue),
		appmapping.WithPopulateMaxAge(cfg.MappingCache.PopulateMaxAge),
		appmapping.WithPageLimits(cfg.MappingStore.DefaultPageSize, cfg.MappingStore.MaxPageSize),
	}
	if archive != nil {
		svcOpts = append(svcOpts, appmapping.WithArchive(archive, cfg.Export.Prefix))
	}
	svc := appmapping.NewService(persistence.NewGormMappingRepository(db.DB), mappingCache, svcOpts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Warn("Cache population did not drain", zap.Error(err))
		}
	}()

	middleware.SetupValidator()

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		return fmt.Errorf("set trusted proxies: %w", err)
	}

	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.HTTP.CORSAllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	}
	if len(cfg.HTTP.CORSAllowMethods) > 0 {
		corsConfig.AllowMethods = cfg.HTTP.CORSAllowMethods
	}
	if len(cfg.HTTP.CORSAllowHeaders) > 0 {
		corsConfig.AllowHeaders = cfg.HTTP.CORSAllowHeaders
	}

	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log, logger.WithQuietRoutes("/health", "/system/ping", cfg.Metrics.Path)))
	engine.Use(middleware.CORSWithConfig(corsConfig))
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))
	engine.Use(middleware.Tracing(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	})...)

	if cfg.Metrics.Enabled {
		httpMetrics, err := middleware.NewHTTPMetrics(metrics.Registry(), cfg.Metrics.Namespace)
		if err != nil {
			return fmt.Errorf("register http metrics: %w", err)
		}
		engine.Use(httpMetrics.Middleware())
	}

	handlerOpts := []handler.MappingHandlerOption{handler.WithRetryAfter(cfg.HTTP.RetryAfter)}
	if cfg.HTTP.RateLimitEnabled {
		limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateLimitWindow)
		defer limiter.Stop()
		handlerOpts = append(handlerOpts, handler.WithRateLimiter(limiter))
	}
	mappingHandler := handler.NewMappingHandler(svc, handlerOpts...)

	r := router.NewRouter(engine)
	systemOpts := []handler.SystemHandlerOption{
		handler.WithBuildInfo(cfg.App.Name, version),
		handler.WithRouteTable(r.Routes),
	}
	if cfg.Metrics.Enabled {
		systemOpts = append(systemOpts, handler.WithMetricsHandler(cfg.Metrics.Path, metrics.Handler()))
	}
	r.Register(mappingHandler).Register(handler.NewSystemHandler(svc, systemOpts...)).Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// newArchive returns nil when export is disabled. Without a bucket the
// archive is kept in memory, which config validation only allows outside
// production.
func newArchive(ctx context.Context, cfg *config.Config, log *zap.Logger) (mapping.Archive, error) {
	if !cfg.Export.Enabled {
		return nil, nil
	}
	if cfg.Export.Bucket == "" {
		log.Warn("Export bucket not configured, archives are kept in memory")
		return storage.NewMemoryArchive(), nil
	}

	archive, err := storage.NewS3MappingArchive(&cfg.Export, storage.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if err := archive.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	log.Info("Mapping export enabled", zap.String("bucket", archive.Bucket()), zap.String("prefix", cfg.Export.Prefix))
	return archive, nil
}
