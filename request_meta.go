package keeper

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDKey    = "keeper.request_id"
	requestStartKey = "keeper.request_start"
	requestIDHeader = "X-Request-ID"
)

// RequestMeta 请求级元信息，注册到请求级容器中
type RequestMeta struct {
	RequestID   string
	RequestTime time.Time
	ClientIP    string
	UserAgent   string
}

// RequestIDMiddleware 生成/透传请求 ID 并记录请求开始时间
// - 优先使用请求头 X-Request-ID，缺失时生成 UUIDv4
// - 请求 ID 写入 gin.Context 与响应头
// - 请求 context 中放入携带 request_id 的日志记录器
func RequestIDMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := ctx.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Set(requestIDKey, requestID)
		ctx.Set(requestStartKey, time.Now())
		ctx.Writer.Header().Set(requestIDHeader, requestID)

		reqLogger := LoggerFrom(ctx.Request.Context(), logger).With("request_id", requestID)
		ctx.Request = ctx.Request.WithContext(WithLogger(ctx.Request.Context(), reqLogger))
		ctx.Next()
	}
}

// GetRequestID 从上下文中获取请求 ID；若不存在则返回空字符串
func GetRequestID(ctx *gin.Context) string {
	return ctx.GetString(requestIDKey)
}

// GetRequestTime 从上下文中获取请求开始时间；若不存在则返回零值
func GetRequestTime(ctx *gin.Context) time.Time {
	return ctx.GetTime(requestStartKey)
}

func GetRequestMeta(ctx *gin.Context) RequestMeta {
	return RequestMeta{
		RequestID:   GetRequestID(ctx),
		RequestTime: GetRequestTime(ctx),
		ClientIP:    ctx.ClientIP(),
		UserAgent:   ctx.Request.UserAgent(),
	}
}
