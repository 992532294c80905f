package router

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jwalitptl/newsletter-api/internal/middleware"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// HealthHandler registers /health routes on any router.
type HealthHandler interface {
	RegisterRoutes(gin.IRouter)
}

type MetricsHandler interface {
	Middleware() gin.HandlerFunc
	Handler() gin.HandlerFunc
}

type RouterConfig struct {
	ServiceName  string
	JWTSecret    string
	JWTIssuer    string
	RateLimit    bool
	RateRPS      float64
	RateBurst    int
	MaxBodyBytes int64
}

type Router struct {
	engine      *gin.Engine
	config      RouterConfig
	logger      *logger.Logger
	healthH     HealthHandler
	metricsH    MetricsHandler
	newsletterH Handler
}

func NewRouter(
	healthH HealthHandler,
	metricsH MetricsHandler,
	newsletterH Handler,
	log *logger.Logger,
	config RouterConfig,
) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()

	r := &Router{
		engine:      engine,
		config:      config,
		logger:      log,
		healthH:     healthH,
		metricsH:    metricsH,
		newsletterH: newsletterH,
	}

	engine.Use(
		otelgin.Middleware(config.ServiceName),
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.ErrorHandler(log),
		metricsH.Middleware(),
	)

	if config.RateLimit {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RPS:   config.RateRPS,
			Burst: config.RateBurst,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	return r
}

func (r *Router) Setup() {
	r.engine.GET("/metrics", r.metricsH.Handler())

	api := r.engine.Group("/api/v1")
	r.healthH.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(
		middleware.Authenticate(r.config.JWTSecret, r.config.JWTIssuer),
		middleware.BodyLimit(r.config.MaxBodyBytes),
	)
	r.newsletterH.RegisterRoutes(protected)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
