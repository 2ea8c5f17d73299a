package keeper

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func newRouter(settings *Settings, logger *slog.Logger) *gin.Engine {
	if settings.App.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginRecovery(logger))
	if settings.Server.CORS.Enabled {
		router.Use(corsMiddleware(settings.Server.CORS))
	}
	router.Use(RequestIDMiddleware(logger))
	router.Use(ginLogger(logger))
	return router
}

// ginLogger 请求访问日志，按状态码确定级别
func ginLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		statusCode := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case statusCode >= 500:
			level = slog.LevelError
		case statusCode >= 400:
			level = slog.LevelWarn
		}

		LoggerFrom(c.Request.Context(), logger).LogAttrs(
			c.Request.Context(),
			level,
			"HTTP 请求",
			slog.String("client_ip", c.ClientIP()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status_code", statusCode),
			slog.Duration("latency", time.Since(start)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// ginRecovery 捕获 panic，记录日志并返回 500
func ginRecovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				LoggerFrom(c.Request.Context(), logger).LogAttrs(
					c.Request.Context(),
					slog.LevelError,
					"Panic 恢复",
					slog.Any("error", err),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
					slog.String("client_ip", c.ClientIP()),
				)
				he := InternalServerError("内部服务器错误")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": he.Code, "message": he.Message})
			}
		}()
		c.Next()
	}
}

// Router 控制器注册路由的入口，登记路由的同时声明其访问级别
type Router struct {
	group       *gin.RouterGroup
	routes      *RouteRegistry
	middlewares *MiddlewareManager
}

func newRouteGroup(group *gin.RouterGroup, routes *RouteRegistry, middlewares *MiddlewareManager) *Router {
	return &Router{group: group, routes: routes, middlewares: middlewares}
}

// Group 创建子分组
func (r *Router) Group(relativePath string, handlers ...gin.HandlerFunc) *Router {
	return &Router{group: r.group.Group(relativePath, handlers...), routes: r.routes, middlewares: r.middlewares}
}

// Middlewares 中间件登记表，可按名称取用共享中间件
func (r *Router) Middlewares() *MiddlewareManager {
	return r.middlewares
}

func (r *Router) BasePath() string {
	return r.group.BasePath()
}

func (r *Router) handle(access Access, method, relativePath string, handlers []gin.HandlerFunc) {
	r.group.Handle(method, relativePath, handlers...)
	r.routes.Mark(r.group, method, relativePath, access)
}

// Public 无需认证的路由
func (r *Router) Public(method, relativePath string, handlers ...gin.HandlerFunc) {
	r.handle(AccessPublic, method, relativePath, handlers)
}

// Protected 只需认证的路由
func (r *Router) Protected(method, relativePath string, handlers ...gin.HandlerFunc) {
	r.handle(AccessProtected, method, relativePath, handlers)
}

// Checked 需要认证并持有 METHOD:path 权限的路由
func (r *Router) Checked(method, relativePath string, handlers ...gin.HandlerFunc) {
	r.handle(AccessChecked, method, relativePath, handlers)
}
