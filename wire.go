//go:build wireinject
// +build wireinject

package keeper

import (
	"github.com/google/wire"
	"github.com/panjf2000/ants/v2"
)

// InitializeEngine 初始化并返回应用引擎
//
// 组装配置、日志、数据库、Redis 缓存、事件总线、协程池、令牌服务、访问网关与各业务服务。
// 应在 main 中调用一次，返回的 Engine 在整个进程内复用。
//
//	func main() {
//	    engine := keeper.InitializeEngine()
//	    engine.Run()
//	}
func InitializeEngine() *Engine {
	wire.Build(
		wire.Struct(
			new(Engine),
			"config", "settings", "router", "db", "cron", "events", "pool", "logger",
			"redis", "cache", "validator", "middlewares", "i18nBundle", "routes", "gate", "services",
		),
		wire.Struct(new(Services), "*"),
		newConfig,
		newSettings,
		newLogger,
		newDB,
		newRouter,
		newCron,
		newGoChannelBus,
		newPool,
		newRedisClient,
		newCache,
		newValidator,
		newMiddlewareManager,
		newI18nBundle,
		NewRouteRegistry,
		newGate,
		newSigner,
		newTokenService,
		newCredentialValidator,
		NewClientValidator,
		newAuthService,
		newUserRepository,
		newRoleRepository,
		newPermissionRepository,
		newUserLoginRepository,
		newAppClientRepository,
		NewUserService,
		NewRoleService,
		NewPermissionService,
		NewUserLoginService,
		NewClientService,
		wire.Bind(new(EventBus), new(*goChannelBus)),
		wire.Bind(new(TaskRunner), new(*ants.Pool)),
	)
	return nil
}
