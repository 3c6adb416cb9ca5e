package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	customerapp "github.com/solarcrm/backend/internal/application/customer"
	"github.com/solarcrm/backend/internal/domain/customer"
	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/infrastructure/cache"
	"github.com/solarcrm/backend/internal/infrastructure/config"
	"github.com/solarcrm/backend/internal/infrastructure/logger"
	"github.com/solarcrm/backend/internal/infrastructure/persistence"
	"github.com/solarcrm/backend/internal/infrastructure/telemetry"
	"github.com/solarcrm/backend/internal/interfaces/http/middleware"
	"github.com/solarcrm/backend/internal/interfaces/http/router"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := &logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: timeFormat,
	}
	bootLog, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	ctx := context.Background()
	tel := setupTelemetry(ctx, cfg, bootLog)

	// Rebuild the logger so entries also reach the OTEL logs bridge
	log, err := logger.New(logCfg, telemetry.NewZapOTELCore(
		cfg.Telemetry.ServiceName, tel.logs, logger.ParseLevel(cfg.Log.Level)))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()
	tel.logger = log

	log.Info("Starting Solar CRM backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
		zap.String("writeback_backend", cfg.WriteBack.Backend),
	)

	store, err := openStore(ctx, cfg, tel, log)
	if err != nil {
		log.Fatal("Failed to open record store", zap.Error(err))
	}

	policy, err := cache.ParseLoadPolicy(cfg.WriteBack.LoadPolicy)
	if err != nil {
		log.Fatal("Invalid load policy", zap.Error(err))
	}

	queue := cache.NewUpdateQueue()
	entities := cache.NewEntityCache(
		cache.WithQueue(queue),
		cache.WithCacheLogger(log.Named("cache")),
	)
	lostUpdates := cache.NewLostUpdateLog(cfg.WriteBack.LostUpdateHistory)

	flushOpts := []cache.FlushLoopOption{
		cache.WithFlushConfig(cache.FlushConfig{
			Interval:       cfg.WriteBack.FlushInterval,
			BatchSize:      cfg.WriteBack.BatchSize,
			MaxRetries:     cfg.WriteBack.MaxRetries,
			PersistTimeout: cfg.WriteBack.PersistTimeout,
		}),
		cache.WithFlushLogger(log.Named("flush")),
		cache.WithObserver(lostUpdates),
		cache.WithTracer(tel.tracer.Tracer("solar-crm/writeback")),
	}
	if tel.meter.IsEnabled() {
		wbMetrics, err := telemetry.NewWriteBackMetrics(tel.meter.Meter("solar-crm/writeback"), queue)
		if err != nil {
			log.Warn("Failed to create write-back metrics", zap.Error(err))
		} else {
			flushOpts = append(flushOpts, cache.WithObserver(wbMetrics))
			defer func() { _ = wbMetrics.Unregister() }()
		}
	}
	flush := cache.NewFlushLoop(entities, store, flushOpts...)

	service := customerapp.NewService(store, entities, flush, customer.NewSchema(),
		customerapp.WithLogger(log.Named("customers")),
		customerapp.WithLoadPolicy(policy),
		customerapp.WithLostUpdateLog(lostUpdates),
		customerapp.WithIDGenerator(uuid.NewString),
	)

	// An unreachable store at boot leaves the cache empty; /health reports
	// it and POST /api/v1/sync/reload can retry later.
	if result, err := service.Reload(ctx); err != nil {
		log.Error("Initial load failed", zap.Error(err))
	} else {
		log.Info("Customer cache loaded",
			zap.Int("loaded", result.Loaded),
			zap.Int("rebased", result.Rebased),
		)
	}

	if err := flush.Start(ctx); err != nil {
		log.Fatal("Failed to start flush loop", zap.Error(err))
	}

	engineCfg := router.EngineConfig{
		Name:        cfg.App.Name,
		Version:     version,
		MaxBodySize: cfg.HTTP.MaxBodySize,
		CORS: middleware.CORSConfig{
			AllowOrigins: cfg.HTTP.CORSAllowOrigins,
			AllowMethods: cfg.HTTP.CORSAllowMethods,
			AllowHeaders: cfg.HTTP.CORSAllowHeaders,
		},
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Profiling:      tel.profiler.IsEnabled(),
	}
	if tel.tracer.IsEnabled() {
		engineCfg.TracerProvider = otel.GetTracerProvider()
	}
	if tel.meter.IsEnabled() {
		engineCfg.Meter = tel.meter.Meter("solar-crm/http")
	}

	engine, err := router.NewEngine(engineCfg, service, log)
	if err != nil {
		log.Fatal("Failed to build router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
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

	httpCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.RequestTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()

	// No more edits can arrive; give the queue one last drain.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteBack.ShutdownTimeout)
	if err := flush.Stop(flushCtx); err != nil {
		log.Error("Final flush incomplete", zap.Error(err), zap.Int("pending", queue.Len()))
	}
	cancel()

	if err := store.Close(); err != nil {
		log.Error("Error closing record store", zap.Error(err))
	}

	tel.shutdown(context.Background())
	log.Info("Server exited gracefully")
}

// telemetryStack groups the OTEL providers and the profiler
type telemetryStack struct {
	tracer   *telemetry.TracerProvider
	meter    *telemetry.MeterProvider
	logs     *telemetry.LoggerProvider
	profiler *telemetry.Profiler
	logger   *zap.Logger
}

// setupTelemetry never fails startup: a provider that cannot be created is
// replaced by its disabled variant.
func setupTelemetry(ctx context.Context, cfg *config.Config, log *zap.Logger) *telemetryStack {
	t := &telemetryStack{logger: log}
	tc := cfg.Telemetry

	var err error
	t.tracer, err = telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{
		Enabled:           tc.Enabled,
		CollectorEndpoint: tc.CollectorEndpoint,
		SamplingRatio:     tc.SamplingRatio,
		ServiceName:       tc.ServiceName,
		Insecure:          tc.Insecure,
	}, log)
	if err != nil {
		log.Warn("Tracing unavailable", zap.Error(err))
		t.tracer, _ = telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{}, log)
	}

	t.meter, err = telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           tc.Enabled && tc.MetricsEnabled,
		CollectorEndpoint: tc.CollectorEndpoint,
		ExportInterval:    tc.MetricsInterval,
		ServiceName:       tc.ServiceName,
		Insecure:          tc.Insecure,
	}, log)
	if err != nil {
		log.Warn("Metrics unavailable", zap.Error(err))
		t.meter, _ = telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{}, log)
	}

	t.logs, err = telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           tc.Enabled && tc.LogsEnabled,
		CollectorEndpoint: tc.CollectorEndpoint,
		ServiceName:       tc.ServiceName,
		Insecure:          tc.Insecure,
	}, log)
	if err != nil {
		log.Warn("OTEL logs unavailable", zap.Error(err))
		t.logs, _ = telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{}, log)
	}

	pc := cfg.Profiling
	t.profiler, err = telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           pc.Enabled,
		ServerAddress:     pc.ServerAddress,
		ApplicationName:   pc.ApplicationName,
		BasicAuthUser:     pc.BasicAuthUser,
		BasicAuthPassword: pc.BasicAuthPassword,
	}, log)
	if err != nil {
		log.Warn("Profiling unavailable", zap.Error(err))
		t.profiler, _ = telemetry.NewProfiler(telemetry.ProfilerConfig{}, log)
	}
	if pc.SpanProfiles && t.profiler.IsEnabled() {
		t.tracer.EnableSpanProfiles()
	}

	return t
}

func (t *telemetryStack) shutdown(ctx context.Context) {
	if err := t.profiler.Stop(); err != nil {
		t.logger.Warn("Failed to stop profiler", zap.Error(err))
	}
	if err := t.meter.Shutdown(ctx); err != nil {
		t.logger.Warn("Failed to shutdown meter provider", zap.Error(err))
	}
	if err := t.tracer.Shutdown(ctx); err != nil {
		t.logger.Warn("Failed to shutdown tracer provider", zap.Error(err))
	}
	if err := t.logs.Shutdown(ctx); err != nil {
		t.logger.Warn("Failed to shutdown logger provider", zap.Error(err))
	}
}

// openStore creates the configured backend with the GORM logger and, when
// enabled, query tracing and metrics
func openStore(ctx context.Context, cfg *config.Config, tel *telemetryStack, log *zap.Logger) (record.Store, error) {
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh))

	opts := []persistence.StoreFactoryOption{
		persistence.WithFactoryLogger(log.Named("store")),
		persistence.WithDatabaseOptions(persistence.WithGormLogger(gormLog)),
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		dbCfg := telemetry.DefaultDBTracingConfig()
		dbCfg.Enabled = true
		dbCfg.LogFullSQL = cfg.Telemetry.DBLogFullSQL
		dbCfg.SlowQueryThresh = cfg.Telemetry.DBSlowQueryThresh
		if cfg.WriteBack.Backend == "sqlite" {
			dbCfg.DBSystem = "sqlite"
		}
		opts = append(opts, persistence.WithDBHook(telemetry.NewDBTracingPlugin(dbCfg, log).Register))
	}
	if tel.meter.IsEnabled() {
		dbMetrics, err := telemetry.NewDBMetrics(tel.meter.Meter("solar-crm/db"), telemetry.DBMetricsConfig{
			Enabled:            true,
			SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
		}, log)
		if err != nil {
			log.Warn("Failed to create database metrics", zap.Error(err))
		} else {
			opts = append(opts, persistence.WithDBHook(dbMetrics.Register))
		}
	}

	factory := persistence.NewStoreFactory(cfg, customer.FieldNames(), opts...)
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return factory.CreateStore(openCtx)
}
