package keeper

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
)

const contextKeyI18nLocalizer = "keeper.i18n.localizer"

// i18nMiddleware 按 查询参数 > 请求头 > 默认语言 的顺序解析语言偏好，注入 Localizer
func i18nMiddleware(bundle *i18n.Bundle, cfg I18nConfig) gin.HandlerFunc {
	queryKey := cfg.LangQueryKey
	if queryKey == "" {
		queryKey = "lang"
	}
	headerKey := cfg.LangHeader
	if headerKey == "" {
		headerKey = "Accept-Language"
	}

	return func(ctx *gin.Context) {
		var candidates []string
		if qv := strings.TrimSpace(ctx.Query(queryKey)); qv != "" {
			candidates = append(candidates, qv)
		}
		if hv := strings.TrimSpace(ctx.GetHeader(headerKey)); hv != "" {
			candidates = append(candidates, hv)
		}
		if cfg.DefaultLanguage != "" {
			candidates = append(candidates, cfg.DefaultLanguage)
		}

		ctx.Set(contextKeyI18nLocalizer, i18n.NewLocalizer(bundle, candidates...))
		ctx.Next()
	}
}

// Localizer 从 gin.Context 中获取 Localizer
func Localizer(ctx *gin.Context) *i18n.Localizer {
	v, ok := ctx.Get(contextKeyI18nLocalizer)
	if !ok {
		return nil
	}
	loc, _ := v.(*i18n.Localizer)
	return loc
}

// Localize 翻译消息；没有 Localizer 或找不到翻译时回退到默认文案
func Localize(ctx *gin.Context, config *i18n.LocalizeConfig) string {
	fallback := config.MessageID
	if config.DefaultMessage != nil && config.DefaultMessage.Other != "" {
		fallback = config.DefaultMessage.Other
	}
	localizer := Localizer(ctx)
	if localizer == nil {
		return fallback
	}
	msg, err := localizer.Localize(config)
	if msg == "" || (err != nil && !isMessageNotFound(err)) {
		return fallback
	}
	return msg
}

func isMessageNotFound(err error) bool {
	var notFound *i18n.MessageNotFoundErr
	return errors.As(err, &notFound)
}
