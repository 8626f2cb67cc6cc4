package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/constants"
	"collection-gateway/internal/permissions"
	"collection-gateway/internal/platform/config"
	"collection-gateway/internal/platform/health"
	"collection-gateway/internal/platform/middleware"
	"collection-gateway/internal/publish"
	"collection-gateway/internal/security/audit"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/session"
	"collection-gateway/internal/storage/database/publishresult"
	"collection-gateway/internal/storage/database/user"
)

// Deps 路由需要的服務
type Deps struct {
	Sessions    *session.Manager
	Permissions *permissions.Store
	Keys        *keymanager.KeyManager
	Collections *collection.Collections
	Publisher   *publish.Publisher
	Results     publishresult.Repository
	Users       user.UserRepository
	Audit       *audit.AuditService
	Health      *health.Handler
}

// API HTTP handler 集合
type API struct {
	Deps
}

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// corsMiddleware 只允許設定檔列出的來源
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+middleware.SessionTokenHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// Router 設定路由
func Router(deps Deps) *gin.Engine {
	cfg := config.Get()
	if cfg != nil && !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	var origins []string
	if cfg != nil {
		origins = cfg.Server.AllowedOrigins
	}
	r.Use(corsMiddleware(origins))

	// 請求 ID 最優先，後續日誌與審計都會帶上
	r.Use(middleware.RequestIDMiddleware())
	r.Use(securityHeadersMiddleware())
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(middleware.MetricsMiddleware())

	maxBody := int64(constants.DefaultMaxRequestBodySize)
	maxMemory := int64(constants.DefaultMaxMultipartMemory)
	if cfg != nil {
		if cfg.Limits.Request.MaxBodySize > 0 {
			maxBody = cfg.Limits.Request.MaxBodySize
		}
		if cfg.Limits.Request.MaxMultipartMemory > 0 {
			maxMemory = cfg.Limits.Request.MaxMultipartMemory
		}
	}
	r.MaxMultipartMemory = maxMemory
	r.Use(middleware.RequestSizeLimiter(maxBody))

	defaultLimit := constants.DefaultRateLimitPerMinute
	loginLimit := constants.DefaultLoginRateLimit
	cleanup := time.Duration(constants.RateLimitCleanupIntervalMin) * time.Minute
	rateLimiting := cfg == nil || cfg.Limits.RateLimiting.Enabled
	if cfg != nil {
		if cfg.Limits.RateLimiting.DefaultPerMinute > 0 {
			defaultLimit = cfg.Limits.RateLimiting.DefaultPerMinute
		}
		if cfg.Limits.RateLimiting.LoginPerMinute > 0 {
			loginLimit = cfg.Limits.RateLimiting.LoginPerMinute
		}
		if cfg.Limits.RateLimiting.CleanupInterval > 0 {
			cleanup = time.Duration(cfg.Limits.RateLimiting.CleanupInterval) * time.Minute
		}
	}

	healthHandler := deps.Health
	if healthHandler == nil {
		healthHandler = health.NewHealthHandler()
	}
	r.GET("/health", healthHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := &API{Deps: deps}
	v1 := r.Group("/api/v1")
	loginGroup := v1.Group("")
	if rateLimiting {
		v1.Use(middleware.NewRateLimiter(defaultLimit, time.Minute, cleanup).Middleware(deps.Audit))
		loginGroup.Use(middleware.NewRateLimiter(loginLimit, time.Minute, cleanup).Middleware(deps.Audit))
	}

	// 不需登入
	loginGroup.POST("/login", api.login)
	loginGroup.POST("/password", api.changePassword)

	auth := v1.Group("")
	auth.Use(middleware.NewSessionAuth(deps.Sessions).GinMiddleware())
	access := middleware.NewAccessMiddleware(deps.Permissions, deps.Audit)
	admin := access.RequireAdministrator()
	publisher := access.RequirePublisher()
	viewer := access.RequireViewer()

	auth.POST("/logout", api.logout)
	auth.GET("/session", api.currentSession)

	// 帳號
	auth.GET("/users", admin, api.listUsers)
	auth.POST("/users", api.createUser)
	auth.DELETE("/users/:email", admin, api.deleteUser)
	auth.POST("/users/:email/password", admin, api.resetPassword)

	// 權限，operator 檢查由 permissions.Store 負責（允許建立第一位管理員）
	auth.GET("/permissions", admin, api.getPermissions)
	auth.POST("/permissions/administrators", api.addAdministrator)
	auth.DELETE("/permissions/administrators/:email", admin, api.removeAdministrator)
	auth.POST("/permissions/publishers", admin, api.addPublisher)
	auth.DELETE("/permissions/publishers/:email", admin, api.removePublisher)

	// 集合
	auth.GET("/collections", api.listCollections)
	auth.POST("/collections", publisher, api.createCollection)
	auth.GET("/collections/:id", viewer, api.getCollection)
	auth.PUT("/collections/:id", publisher, api.updateCollection)
	auth.DELETE("/collections/:id", publisher, api.deleteCollection)
	auth.POST("/collections/:id/viewers", admin, api.grantViewer)
	auth.DELETE("/collections/:id/viewers/:email", admin, api.revokeViewer)

	// 內容狀態轉換，uri 以 query 參數傳遞
	auth.GET("/collections/:id/content", viewer, api.readContent)
	auth.PUT("/collections/:id/content", publisher, api.writeContent)
	auth.POST("/collections/:id/content", publisher, api.createContent)
	auth.DELETE("/collections/:id/content", publisher, api.deleteContent)
	auth.POST("/collections/:id/content/edit", publisher, api.editContent)
	auth.POST("/collections/:id/content/complete", publisher, api.completeContent)
	auth.POST("/collections/:id/content/review", publisher, api.reviewContent)
	auth.POST("/collections/:id/content/move", publisher, api.moveContent)
	auth.POST("/collections/:id/versions", publisher, api.createVersion)
	auth.DELETE("/collections/:id/versions", publisher, api.deleteVersion)

	// 核准與發佈
	auth.POST("/collections/:id/approve", publisher, api.approve)
	auth.POST("/collections/:id/unlock", publisher, api.unlock)
	auth.PUT("/collections/:id/schedule", publisher, api.schedule)
	auth.DELETE("/collections/:id/schedule", publisher, api.cancelSchedule)
	auth.POST("/collections/:id/publish", publisher, api.publish)
	auth.POST("/collections/:id/republish", publisher, api.republish)
	auth.GET("/collections/:id/results", viewer, api.listResults)
	auth.GET("/collections/:id/results/:resultId", viewer, api.getResult)

	return r
}
