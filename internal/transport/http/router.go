package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailmeta/backend/internal/auth/jwt"
	"mailmeta/backend/internal/config"
	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/health"
	"mailmeta/backend/internal/middleware"
	"mailmeta/backend/internal/monitoring"
	"mailmeta/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Sequences  []*service.SequenceAllocator
	Rights     *service.RightsStore
	Index      *service.IndexTableHandler
	Reader     *service.IndexReader
	Dispatcher *service.EventDispatcher
	Health     *health.Checker
	Metrics    *monitoring.Metrics
	JWTManager *jwtpkg.Manager // 为 nil 时不做认证
	Logger     *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	if deps.Config != nil {
		router.Use(gincors.New(corsConfig(deps.Config.CORS)))
	}

	handler := &Handler{
		sequences:  make(map[domain.SequenceKind]*service.SequenceAllocator, len(deps.Sequences)),
		rights:     deps.Rights,
		index:      deps.Index,
		reader:     deps.Reader,
		dispatcher: deps.Dispatcher,
		log:        log,
	}
	for _, a := range deps.Sequences {
		handler.sequences[a.Kind()] = a
	}

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			report := deps.Health.Check()
			status := http.StatusOK
			if report.Status == health.StatusUnhealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, report)
		})
		router.GET("/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/ready", gin.WrapF(deps.Health.ReadyHandler()))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		})
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	auth := middleware.NewJWTAuth(deps.JWTManager, log)
	var rps float64
	var burst int
	if deps.Config != nil {
		rps, burst = deps.Config.RateLimit.RPS, deps.Config.RateLimit.Burst
	}
	limiter := middleware.NewRateLimiter(rps, burst, deps.Metrics)

	// V1 API
	v1 := router.Group("/v1")
	v1.Use(auth.Authenticate(), limiter.Middleware())
	{
		v1.POST("/events/batch", auth.RequireScope(jwtpkg.ScopeIndexWrite), handler.dispatchEvents)

		mailbox := v1.Group("/mailboxes/:id")
		{
			// 序列
			mailbox.POST("/sequences/:kind/next", auth.RequireScope(jwtpkg.ScopeSequenceWrite), handler.allocateSequence)
			mailbox.GET("/sequences/:kind", auth.RequireScope(jwtpkg.ScopeSequenceRead), handler.getSequence)

			// ACL
			mailbox.GET("/acl", auth.RequireScope(jwtpkg.ScopeACLRead), handler.getACL)
			mailbox.PATCH("/acl", auth.RequireScope(jwtpkg.ScopeACLWrite), handler.updateACL)
			mailbox.PUT("/acl", auth.RequireScope(jwtpkg.ScopeACLWrite), handler.setACL)

			// 二级索引
			mailbox.POST("/events", auth.RequireScope(jwtpkg.ScopeIndexWrite), handler.applyEvent)
			mailbox.GET("/counters", auth.RequireScope(jwtpkg.ScopeIndexRead), handler.getCounters)
			mailbox.GET("/recent", auth.RequireScope(jwtpkg.ScopeIndexRead), handler.getRecent)
			mailbox.GET("/deleted", auth.RequireScope(jwtpkg.ScopeIndexRead), handler.getDeleted)
			mailbox.GET("/first-unseen", auth.RequireScope(jwtpkg.ScopeIndexRead), handler.getFirstUnseen)
			mailbox.GET("/applicable-flags", auth.RequireScope(jwtpkg.ScopeIndexRead), handler.getApplicableFlags)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}

func corsConfig(cfg config.CORSConfig) gincors.Config {
	corsConfig := gincors.Config{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", middleware.RequestIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
		return corsConfig
	}
	// 允许所有来源时不能携带凭证
	corsConfig.AllowCredentials = true
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	return corsConfig
}
