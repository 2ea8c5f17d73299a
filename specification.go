package keeper

import (
	"github.com/gin-gonic/gin"
	"github.com/samber/do/v2"
)

// Controller 控制器的通用接口
//
// 所有控制器都通过 Router 注册路由，注册时同时声明路由的访问级别。
type Controller interface {
	RegisterRoutes(router *Router)
}

// ControllerProvider 控制器提供者，在挂载阶段才创建控制器实例
type ControllerProvider func() Controller

// ControllerRegistrar 控制器注册器
type ControllerRegistrar interface {
	AddController(providers ...ControllerProvider)
}

// Provider 将已有的控制器实例包装为提供者
func Provider(controller Controller) ControllerProvider {
	return func() Controller {
		return controller
	}
}

// Empty 空结构体，用于表示无请求体的用例
type Empty = struct{}

// UseCase 用例接口：实现类从请求级容器解析依赖，在 Execute 中执行业务逻辑
type UseCase[TReq any, TResp any] interface {
	Execute(ctx *gin.Context, req TReq) (TResp, error)
}

// Invoke 从请求级容器解析用例并执行
// 失败时错误已通过 ctx.Error 上报，由 ErrorHandlerMiddleware 统一输出
func Invoke[S UseCase[TReq, TResp], TReq any, TResp any](ctx *gin.Context, req TReq) (TResp, error) {
	service, ok := Resolve[S](ctx)
	if !ok {
		var zero TResp
		return zero, ctx.Errors.Last().Err
	}

	resp, err := service.Execute(ctx, req)
	if err != nil {
		_ = ctx.Error(err)
		var zero TResp
		return zero, err
	}
	return resp, nil
}

// Call 便捷辅助：用于无需请求体的用例
func Call[S UseCase[Empty, TResp], TResp any](ctx *gin.Context) (TResp, error) {
	return Invoke[S](ctx, Empty{})
}

// Resolve 从请求级容器解析服务；失败时上报 500 并返回 false
func Resolve[S any](ctx *gin.Context) (S, bool) {
	service, err := do.Invoke[S](Injector(ctx))
	if err != nil {
		_ = ctx.Error(InternalServerError("依赖解析失败").WithMeta("error", err.Error()))
		var zero S
		return zero, false
	}
	return service, true
}
