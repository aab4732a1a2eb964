package http

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/config"
	"github.com/kserw/forceauth-sub001/internal/http/handler"
	httpmiddleware "github.com/kserw/forceauth-sub001/internal/http/middleware"
	"github.com/kserw/forceauth-sub001/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	logger *zap.Logger,
	authHandler *handler.AuthHandler,
	credentialsHandler *handler.CredentialsHandler,
	integrationsHandler *handler.IntegrationsHandler,
	authMiddleware *httpmiddleware.Auth,
	rateLimiter *middleware.RateLimiter,
	authRateLimiter *middleware.RateLimiter,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := r.Group("/auth")
	if authRateLimiter != nil {
		authGroup.Use(authRateLimiter.Handler())
	}
	{
		authGroup.GET("/login", authHandler.Login)
		authGroup.GET("/callback", authHandler.Callback)
		authGroup.GET("/session", authMiddleware.Require, authHandler.Session)
		authGroup.POST("/session/rotate", authMiddleware.Require, authHandler.RotateSession)
		authGroup.POST("/logout", authMiddleware.Require, authHandler.Logout)
	}

	api := r.Group("/api")
	{
		credentials := api.Group("/credentials")
		{
			// Registration and deletion stay reachable before login so a
			// first-time user can provision a connected app, then claim it
			// by signing in through it.
			credentials.POST("", authMiddleware.Optional, credentialsHandler.Register)
			credentials.DELETE("/:id", authMiddleware.Optional, credentialsHandler.Delete)

			credentials.GET("", authMiddleware.Require, credentialsHandler.List)
			credentials.PATCH("/:id/share", authMiddleware.Require, credentialsHandler.SetShared)
		}

		integrations := api.Group("/integrations", authMiddleware.Require)
		{
			integrations.POST("", integrationsHandler.Create)
			integrations.GET("", integrationsHandler.List)
			integrations.GET("/:id", integrationsHandler.Get)
			integrations.PUT("/:id", integrationsHandler.Update)
			integrations.DELETE("/:id", integrationsHandler.Delete)
			integrations.POST("/:id/share", integrationsHandler.Share)
			integrations.DELETE("/:id/share/:userId", integrationsHandler.Unshare)
			integrations.GET("/:id/shares", integrationsHandler.ListShares)
		}
	}

	// UI is served only as static files; auth logic stays on the API routes.
	attachUIRoutes(r, filepath.Join("ui", "dist"))

	return r
}

func attachUIRoutes(r *gin.Engine, distDir string) {
	indexPath := filepath.Join(distDir, "index.html")

	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if isAPIPath(path) {
			c.Status(http.StatusNotFound)
			return
		}

		if filePath, ok := safeJoin(distDir, path); ok {
			if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
				c.File(filePath)
				return
			}
		}

		c.File(indexPath)
	})
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/auth") ||
		strings.HasPrefix(path, "/api") ||
		strings.HasPrefix(path, "/healthz")
}

func safeJoin(baseDir, requestPath string) (string, bool) {
	trimmed := strings.TrimPrefix(requestPath, "/")
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." {
		return filepath.Join(baseDir, cleaned), true
	}
	if strings.HasPrefix(cleaned, "..") {
		return "", false
	}
	return filepath.Join(baseDir, cleaned), true
}
