package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	customerapp "github.com/solarcrm/backend/internal/application/customer"
	"github.com/solarcrm/backend/internal/infrastructure/logger"
	"github.com/solarcrm/backend/internal/interfaces/http/dto"
	"github.com/solarcrm/backend/internal/interfaces/http/handler"
	"github.com/solarcrm/backend/internal/interfaces/http/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EngineConfig configures the gin engine
type EngineConfig struct {
	Name           string
	Version        string
	MaxBodySize    int64
	CORS           middleware.CORSConfig
	TrustedProxies []string
	// TracerProvider enables otelgin server spans when set
	TracerProvider trace.TracerProvider
	// Meter enables HTTP metrics when set
	Meter     metric.Meter
	Profiling bool
}

// NewEngine builds the gin engine with middleware, the customer and sync
// routes under /api/v1, and /health.
func NewEngine(cfg EngineConfig, service *customerapp.Service, log *zap.Logger) (*gin.Engine, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	engine.HandleMethodNotAllowed = true

	engine.Use(middleware.RequestID())
	if cfg.TracerProvider != nil {
		engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName:    cfg.Name,
			Enabled:        true,
			TracerProvider: cfg.TracerProvider,
		}))
		engine.Use(middleware.SpanErrorMarker())
	}
	engine.Use(logger.GinMiddleware(log))
	engine.Use(logger.Recovery(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(cfg.CORS))
	engine.Use(middleware.HTTPMetrics(cfg.Meter, log))
	if cfg.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodySize))
	}
	engine.Use(middleware.ProfilingWithConfig(middleware.ProfilingConfig{
		Enabled:   cfg.Profiling,
		SkipPaths: []string{"/health"},
	}))

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeNotFound, "Route not found", middleware.GetRequestID(c)))
	})
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeBadRequest, "Method not allowed", middleware.GetRequestID(c)))
	})

	health := handler.NewHealthHandler(service, cfg.Name, cfg.Version)
	engine.GET("/health", health.Health)

	customers := handler.NewCustomerHandler(service)
	syncs := handler.NewSyncHandler(service)

	r := NewRouter(engine, WithRouterLogger(log))
	r.Register(NewDomainGroup("customers", "/customers").
		Use(middleware.SpanEnricher()).
		GET("", customers.List).
		POST("", customers.Create).
		POST("/reload", customers.Reload).
		GET("/:id", customers.Get).
		PATCH("/:id", customers.Update).
		DELETE("/:id", customers.Delete))
	r.Register(NewDomainGroup("sync", "/sync").
		GET("/status", syncs.Status).
		POST("/flush", syncs.Flush))
	r.Setup()

	return engine, nil
}
