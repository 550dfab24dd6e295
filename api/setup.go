package api

import (
	"strings"

	"auditengine/api/handlers/oplog"
	"auditengine/internal/audit"
	"auditengine/internal/auth"
	"auditengine/internal/config"
	"auditengine/internal/metrics"
	"auditengine/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dependencies 路由依赖，由 main 组装
type Dependencies struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  redis.UniversalClient // 可为 nil
	JWT    *auth.JWTService
	Logger *zap.Logger

	// Recorder 请求审计写入器，nil 时不挂载审计中间件
	Recorder audit.Recorder
	Oplog    *oplog.Handler
	Limiter  *middleware.RateLimiter
}

// NewRouter 创建 Gin 路由
func NewRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		RequestLogger(log),
		CORS(),
		metrics.PrometheusMiddleware("/health", "/ready"),
	)

	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(deps.DB, deps.Redis))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/audit")
	api.Use(authenticate(deps.JWT, cfg.Auth.PublicPaths))

	opts := oplog.RouteOptions{}
	if deps.Recorder != nil && cfg.Audit.Middleware.Enabled {
		opts.Audit = audit.AuditMiddleware(deps.Recorder, audit.MiddlewareConfig{
			SkipPaths:     cfg.Audit.Middleware.SkipPaths,
			RecordQueries: cfg.Audit.Middleware.RecordQueries,
			Actor:         auth.AuditActor,
		})
	}
	if deps.Limiter != nil {
		opts.RateLimit = middleware.RateLimitMiddleware(deps.Limiter, callerKey)
	}
	deps.Oplog.Register(api, opts)

	return router
}

// authenticate 公开路径只解析令牌，不强制认证
func authenticate(jwt *auth.JWTService, publicPaths []string) gin.HandlerFunc {
	required := auth.AuthMiddleware(jwt)
	optional := auth.OptionalAuthMiddleware(jwt)
	return func(c *gin.Context) {
		for _, p := range publicPaths {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				optional(c)
				return
			}
		}
		required(c)
	}
}

// callerKey 按认证用户限流，匿名请求交给中间件按 IP 处理
func callerKey(c *gin.Context) string {
	username, _ := auth.AuditActor(c)
	if username == "" {
		return ""
	}
	return "user:" + username
}
