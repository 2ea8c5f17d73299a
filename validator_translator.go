package keeper

import (
	"github.com/gin-gonic/gin"
	ut "github.com/go-playground/universal-translator"
)

const translatorContextKey = "keeper.translator"

// validationTranslatorMiddleware 将校验错误翻译器注入请求上下文
func validationTranslatorMiddleware(v *Validator) gin.HandlerFunc {
	translator := v.Translator()
	return func(ctx *gin.Context) {
		ctx.Set(translatorContextKey, translator)
		ctx.Next()
	}
}

// GetTranslator 从上下文获取翻译器，未注入时返回 nil
func GetTranslator(ctx *gin.Context) ut.Translator {
	v, ok := ctx.Get(translatorContextKey)
	if !ok {
		return nil
	}
	if t, ok := v.(ut.Translator); ok {
		return t
	}
	return nil
}
