package keeper

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/nicksnyder/go-i18n/v2/i18n"
)

// ErrorHandlerMiddleware 统一输出 ctx.Errors 中的最后一个错误
//
// 校验错误逐字段翻译为 400；其余错误经 AsHTTPError 归类。
// 带 MessageID 的错误按请求语言输出文案，4xx 记 Warn，5xx 记 Error。
func ErrorHandlerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()
		if len(ctx.Errors) == 0 {
			return
		}

		err := ctx.Errors.Last().Err
		he := httpErrorFor(ctx, err)
		logRequestError(ctx, LoggerFrom(ctx.Request.Context(), logger), he, err)

		ctx.AbortWithStatusJSON(he.Status, gin.H{
			"code":    he.Code,
			"message": localizedMessage(ctx, he),
			"details": he.Details,
			"meta":    he.Meta,
		})
	}
}

func httpErrorFor(ctx *gin.Context, err error) *HTTPError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return AsHTTPError(err)
	}
	trans := GetTranslator(ctx)
	details := make([]ErrorDetail, len(verrs))
	for i, fe := range verrs {
		details[i] = ValidationDetail(lowerFirst(fe.StructField()), fe.Tag(), fieldMessage(fe, trans))
	}
	return BadRequest("输入验证失败", details...).withMessageID("error.validation")
}

func fieldMessage(fe validator.FieldError, trans ut.Translator) string {
	if trans != nil {
		if s := fe.Translate(trans); s != "" {
			return s
		}
	}
	return fe.Field() + " 字段验证失败: " + fe.Tag()
}

func localizedMessage(ctx *gin.Context, he *HTTPError) string {
	if he.MessageID == "" {
		return he.Message
	}
	return Localize(ctx, &i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{ID: he.MessageID, Other: he.Message},
	})
}

func logRequestError(ctx *gin.Context, log *slog.Logger, he *HTTPError, err error) {
	attrs := []any{
		slog.String("method", ctx.Request.Method),
		slog.String("path", ctx.Request.URL.Path),
		slog.Int("status", he.Status),
		slog.Int("code", int(he.Code)),
		slog.String("error", err.Error()),
	}
	if len(he.Details) > 0 {
		attrs = append(attrs, slog.Any("details", he.Details))
	}
	if he.Status >= 500 {
		log.Error("请求失败", attrs...)
		return
	}
	log.Warn("请求被拒绝", attrs...)
}

// lowerFirst 字段名首字母小写，与 JSON 命名一致
func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
