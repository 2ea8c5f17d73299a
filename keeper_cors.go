package keeper

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// CORSConfig 跨域配置，server.cors.enabled 关闭时不挂载
type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowOrigins     []string      `mapstructure:"allow_origins"` // 支持 "*" 与 "*.example.com"
	AllowMethods     []string      `mapstructure:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	defaultCORSHeaders = []string{"Content-Type", "Accept", "Authorization", "Origin", "Accept-Language", "X-Request-ID"}
)

// corsMiddleware 挂在路由器最外层，未匹配路由的预检请求同样会被应答
// 允许凭证时不使用 "*"，改为回显匹配的 Origin
func corsMiddleware(cfg CORSConfig) gin.HandlerFunc {
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := cfg.AllowHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(headers, ", ")
	exposeHeaders := strings.Join(append(slices.Clone(cfg.ExposeHeaders), requestIDHeader), ", ")
	maxAgeSeconds := strconv.Itoa(int(maxAge.Seconds()))
	wildcard := slices.Contains(origins, "*")

	return func(ctx *gin.Context) {
		origin := ctx.GetHeader("Origin")
		if origin == "" {
			ctx.Next()
			return
		}

		var allowOrigin string
		switch {
		case wildcard && !cfg.AllowCredentials:
			allowOrigin = "*"
		case originAllowed(origin, origins):
			allowOrigin = origin
			ctx.Header("Vary", "Origin")
		}

		if allowOrigin != "" {
			ctx.Header("Access-Control-Allow-Origin", allowOrigin)
			if cfg.AllowCredentials {
				ctx.Header("Access-Control-Allow-Credentials", "true")
			}
			ctx.Header("Access-Control-Allow-Methods", allowMethods)
			ctx.Header("Access-Control-Allow-Headers", allowHeaders)
			ctx.Header("Access-Control-Expose-Headers", exposeHeaders)
			ctx.Header("Access-Control-Max-Age", maxAgeSeconds)
		}

		if ctx.Request.Method == http.MethodOptions && ctx.GetHeader("Access-Control-Request-Method") != "" {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	for _, a := range allowed {
		switch {
		case a == "*", strings.EqualFold(a, origin):
			return true
		case strings.HasPrefix(a, "*."):
			suffix := a[1:]
			if strings.HasSuffix(strings.ToLower(host), strings.ToLower(suffix)) {
				return true
			}
		}
	}
	return false
}
