package keeper

import (
	"github.com/gin-gonic/gin"
	"github.com/samber/do/v2"
)

// doInjectorKey 请求级容器在 gin.Context 中的键名
const doInjectorKey = "keeper.do_injector"

// containerMiddleware 每个请求创建一个 do.Injector，注册引擎级服务与请求元信息
// 请求结束时统一 Shutdown，触发已注册服务的关闭钩子
func containerMiddleware(e *Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestScope := do.New(e.doPackage)
		do.ProvideValue(requestScope, GetRequestMeta(ctx))

		ctx.Set(doInjectorKey, requestScope)

		ctx.Next()

		_ = requestScope.Shutdown()
	}
}

// doPackage 引擎级单例与用例提供者
func (e *Engine) doPackage(scope do.Injector) {
	do.ProvideValue(scope, e.logger)
	do.ProvideValue(scope, e.db)
	do.ProvideValue(scope, e.events)
	do.ProvideValue(scope, e.cache)

	s := e.services
	do.ProvideValue(scope, s.Auth)
	do.ProvideValue(scope, s.Users)
	do.ProvideValue(scope, s.Roles)
	do.ProvideValue(scope, s.Permissions)
	do.ProvideValue(scope, s.Logins)
	do.ProvideValue(scope, s.Clients)

	provideAuthUseCases(scope)
}

// Injector 获取当前请求的 do.Injector
func Injector(ctx *gin.Context) do.Injector {
	v := ctx.MustGet(doInjectorKey)
	return v.(do.Injector)
}
