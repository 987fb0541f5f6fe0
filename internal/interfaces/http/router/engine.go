package router

import (
	"fmt"

	"github.com/affretia/backend/internal/infrastructure/config"
	"github.com/affretia/backend/internal/infrastructure/logger"
	"github.com/affretia/backend/internal/infrastructure/telemetry"
	"github.com/affretia/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EngineOptions configures the middleware chain of the HTTP engine
type EngineOptions struct {
	HTTP           config.HTTPConfig
	Logger         *zap.Logger
	ServiceName    string
	TracingEnabled bool
	// Meters is nil when metrics are disabled
	Meters *telemetry.MeterProvider
	// HSTS is only sent behind TLS termination in production
	HSTS bool
}

// NewEngine builds the gin engine with the engine-wide middleware chain.
// Rate limiting is not part of it: it is applied to the API group so that
// health checks are never throttled.
func NewEngine(opts EngineOptions) (*gin.Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(opts.HTTP.TrustedProxies); err != nil {
		return nil, fmt.Errorf("failed to set trusted proxies: %w", err)
	}

	tracing := middleware.DefaultTracingConfig()
	tracing.Enabled = opts.TracingEnabled
	if opts.ServiceName != "" {
		tracing.ServiceName = opts.ServiceName
	}

	cors := middleware.DefaultCORSConfig()
	if len(opts.HTTP.CORSAllowOrigins) > 0 {
		cors.AllowOrigins = opts.HTTP.CORSAllowOrigins
	}
	if len(opts.HTTP.CORSAllowMethods) > 0 {
		cors.AllowMethods = opts.HTTP.CORSAllowMethods
	}
	if len(opts.HTTP.CORSAllowHeaders) > 0 {
		cors.AllowHeaders = opts.HTTP.CORSAllowHeaders
	}

	security := middleware.DefaultSecurityConfig()
	security.HSTSEnabled = opts.HSTS

	// Order matters: the request ID must exist before anything logs, and
	// the organization must be in the request context before the logger
	// middleware derives the request-scoped logger from it.
	engine.Use(
		middleware.RequestID(),
		logger.Recovery(log),
		middleware.TracingWithConfig(tracing),
		middleware.Organization(),
		middleware.TracingAttributes(),
		middleware.SpanErrorMarker(),
		logger.GinMiddleware(log),
		middleware.HTTPMetrics(opts.Meters, log),
		middleware.SecureWithConfig(security),
		middleware.CORSWithConfig(cors),
		middleware.BodyLimit(opts.HTTP.MaxBodySize),
		middleware.Timeout(opts.HTTP.RequestTimeout),
	)

	return engine, nil
}
