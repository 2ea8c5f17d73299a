package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

const Version string = "1.0.0"
const defaultShutdownTimeout = 5 * time.Second

// Services 引擎持有的业务服务
type Services struct {
	Auth        *AuthService
	Credentials *CredentialValidator
	Tokens      *TokenService
	Users       *UserService
	Roles       *RoleService
	Permissions *PermissionService
	Logins      *UserLoginService
	Clients     *ClientService
}

// Engine 应用引擎
type Engine struct {
	config      *viper.Viper
	settings    *Settings
	router      *gin.Engine
	db          *gorm.DB
	cron        *cron.Cron
	events      EventBus
	pool        *ants.Pool
	logger      *slog.Logger
	redis       *redis.Client
	cache       Cache
	validator   *Validator
	middlewares *MiddlewareManager
	i18nBundle  *i18n.Bundle
	routes      *RouteRegistry
	gate        *Gate
	services    *Services

	basePath string // 覆盖 server.base_path

	controllersMu      sync.RWMutex
	mountOnce          sync.Once
	controllerRegistry []ControllerProvider

	pluginsOnce sync.Once
	plugins     *PluginManager

	subscriptions []*Subscription
	httpServer    *http.Server
}

// Run 运行应用，阻塞直到收到 SIGINT/SIGTERM
func (e *Engine) Run(opts ...RunOption) {
	for _, opt := range opts {
		opt(e)
	}
	if _, ok := e.Plugins().Lookup(bootstrapPluginName); !ok {
		if err := e.Plugins().Register(NewBootstrapPlugin()); err != nil {
			panic(fmt.Errorf("致命错误注册引导插件：%w", err))
		}
	}

	if err := e.start(context.Background()); err != nil {
		panic(fmt.Errorf("致命错误启动后台任务：%w", err))
	}

	e.Plugins().OnBeforeMount()
	e.mountControllers()
	e.Plugins().OnAfterMount()
	e.initializeHTTPServer()
	e.Plugins().OnBeforeServerStart()

	go e.startHTTPServer()
	e.logger.Info("服务已启动", "address", e.settings.Server.Address, "base_path", e.BasePath(), "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	e.shutdown()
}

// Config 配置管理器
func (e *Engine) Config() *viper.Viper {
	return e.config
}

// Settings 启动时解析的强类型配置
func (e *Engine) Settings() *Settings {
	return e.settings
}

func (e *Engine) Router() *gin.Engine {
	return e.router
}

func (e *Engine) DB() *gorm.DB {
	return e.db
}

func (e *Engine) Cron() *cron.Cron {
	return e.cron
}

func (e *Engine) EventBus() EventBus {
	return e.events
}

func (e *Engine) Pool() *ants.Pool {
	return e.pool
}

func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

func (e *Engine) Cache() Cache {
	return e.cache
}

func (e *Engine) Middlewares() *MiddlewareManager {
	return e.middlewares
}

func (e *Engine) Validator() *Validator {
	return e.validator
}

// Gate 访问网关
func (e *Engine) Gate() *Gate {
	return e.gate
}

// Services 业务服务
func (e *Engine) Services() *Services {
	return e.services
}

// Plugins 插件管理器（懒加载）
func (e *Engine) Plugins() *PluginManager {
	e.pluginsOnce.Do(func() {
		e.plugins = newPluginManager(e, e.settings.Plugins)
	})
	return e.plugins
}

// BasePath 控制器挂载的路由前缀
func (e *Engine) BasePath() string {
	if e.basePath != "" {
		return e.basePath
	}
	return e.settings.Server.BasePath
}

// AddController 批量追加控制器提供者
func (e *Engine) AddController(providers ...ControllerProvider) {
	if len(providers) == 0 {
		return
	}
	e.controllersMu.Lock()
	defer e.controllersMu.Unlock()
	e.controllerRegistry = append(e.controllerRegistry, providers...)
}

// AddJob 按 Cron 表达式注册任务，支持秒级 6 字段或 @every 语法
//
//	id, err := engine.AddJob("0 0 * * * *", CleanupJob{})
func (e *Engine) AddJob(spec string, job cron.Job) (cron.EntryID, error) {
	return e.cron.AddJob(spec, job)
}

// SubmitTask 提交任务到协程池
func (e *Engine) SubmitTask(task func()) error {
	return e.pool.Submit(task)
}

// Handler 挂载控制器并返回 HTTP 处理器，用于测试或嵌入其他服务器
func (e *Engine) Handler() http.Handler {
	e.mountControllers()
	return e.router
}

// start 订阅主体变更事件并登记缓存探测任务
func (e *Engine) start(ctx context.Context) error {
	sub, err := subscribePrincipalEviction(ctx, e.events, e.services.Credentials, e.logger)
	if err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", TopicPrincipalChanged, err)
	}
	e.subscriptions = append(e.subscriptions, sub)

	if spec := e.settings.Cache.ProbeSpec; spec != "" {
		if probe, ok := e.cache.(AvailabilityProbe); ok {
			if _, err := e.AddJob(spec, NewCacheProbeJob(probe, e.logger)); err != nil {
				return fmt.Errorf("登记缓存探测任务失败: %w", err)
			}
		}
	}

	auth := e.settings.Auth
	e.logger.Info("认证配置",
		"access_expiry", FormatDuration(auth.AccessExpiry),
		"refresh_expiry", FormatDuration(auth.RefreshExpiry),
		"principal_ttl", FormatDuration(auth.PrincipalTTL),
		"permission_match", auth.PermissionMatch,
		"client_auth", auth.ClientAuth,
	)
	return nil
}

// coreMiddlewares 挂载在 basePath 分组上的内置中间件，先于用户登记的全局中间件执行
func (e *Engine) coreMiddlewares() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		i18nMiddleware(e.i18nBundle, e.settings.I18n),
		validationTranslatorMiddleware(e.validator),
		ErrorHandlerMiddleware(e.logger),
		containerMiddleware(e),
		e.gate.Middleware(),
	}
}

func (e *Engine) builtinControllers() []ControllerProvider {
	return []ControllerProvider{
		Provider(&AuthController{}),
		Provider(&UserController{}),
		Provider(&RoleController{}),
		Provider(&PermissionController{}),
		Provider(&UserLoginController{}),
		Provider(&ClientController{}),
	}
}

// mountControllers 将所有控制器挂载到 basePath 分组（幂等）
func (e *Engine) mountControllers() {
	e.mountOnce.Do(func() {
		e.controllersMu.RLock()
		snapshot := append(e.builtinControllers(), e.controllerRegistry...)
		e.controllersMu.RUnlock()

		basePath := e.BasePath()
		e.logger.Info("开始注册控制器路由", "basePath", basePath, "count", len(snapshot))

		handlers := slices.Concat(e.coreMiddlewares(), e.middlewares.getGlobals())
		root := newRouteGroup(e.router.Group(basePath, handlers...), e.routes, e.middlewares)

		for _, provider := range snapshot {
			ctrl := provider()
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("注册控制器路由发生异常", "basePath", basePath, "controller", fmt.Sprintf("%T", ctrl), "panic", r)
					}
				}()
				ctrl.RegisterRoutes(root)
			}()
		}

		e.logger.Info("控制器路由注册完成", "basePath", basePath, "routes", len(e.router.Routes()))
	})
}

func (e *Engine) initializeHTTPServer() {
	e.httpServer = &http.Server{
		Addr:              e.settings.Server.Address,
		Handler:           e.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (e *Engine) startHTTPServer() {
	if err := e.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(fmt.Errorf("致命错误服务器运行：%w", err))
	}
}

func (e *Engine) shutdownCron() {
	stopCtx := e.cron.Stop()
	<-stopCtx.Done()
}

// shutdownHTTPServer 在 server.shutdown_timeout 内优雅关闭
func (e *Engine) shutdownHTTPServer() {
	if e.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.settings.Server.ShutdownTimeout)
	defer cancel()

	if err := e.httpServer.Shutdown(ctx); err != nil {
		e.logger.Error("HTTP服务器关闭失败", "error", err)
	}
}

func (e *Engine) closeEventBus() {
	for _, sub := range e.subscriptions {
		sub.Unsubscribe()
	}
	if e.events == nil {
		return
	}
	if err := e.events.Close(); err != nil {
		e.logger.Error("事件总线关闭失败", "error", err)
	}
}

func (e *Engine) releasePool() {
	if e.pool != nil {
		e.pool.Release()
	}
}

func (e *Engine) closeRedis() {
	if e.redis == nil {
		return
	}
	if err := e.redis.Close(); err != nil {
		e.logger.Error("Redis 连接关闭失败", "error", err)
	}
}

func (e *Engine) shutdown() {
	e.logger.Info("开始优雅退出")
	e.Plugins().OnShutdown()
	e.shutdownCron()
	e.shutdownHTTPServer()
	e.closeEventBus()
	e.releasePool()
	e.closeRedis()
	e.logger.Info("已退出")
}
