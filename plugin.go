// Plugin 插件定义插件的基础能力与生命周期钩子
// Init 会在插件注册时被调用，并注入全局唯一的 Engine 实例
// 其他钩子为可选（通过额外接口声明），由引擎在关键阶段触发

package keeper

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// PluginConfig 插件配置
type PluginConfig struct {
	Disabled        []string `mapstructure:"disabled"`          // 按名称禁用
	HookFailureMode string   `mapstructure:"hook_failure_mode"` // warn（默认）或 error
	CompatStrict    bool     `mapstructure:"compat_strict"`     // 版本不兼容时拒绝注册
}

type Plugin interface {
	Name() string
	Version() string

	// Init 在插件注册时调用
	// 插件可在此阶段注册控制器、中间件、事件订阅、定时任务等
	Init(engine *Engine) error
}

// BeforeMountHook 在挂载控制器与全局中间件前触发
type BeforeMountHook interface {
	OnBeforeMount(engine *Engine) error
}

// AfterMountHook 在挂载控制器完成后触发
type AfterMountHook interface {
	OnAfterMount(engine *Engine) error
}

// BeforeServerStartHook 在 HTTP Server 初始化完成、启动前触发
type BeforeServerStartHook interface {
	OnBeforeServerStart(engine *Engine) error
}

// ShutdownHook 在优雅退出开始阶段触发（事件总线、协程池仍可用）
type ShutdownHook interface {
	OnShutdown(engine *Engine) error
}

// EngineVersionRequirement 可选：声明对引擎的最低版本要求（SemVer，形如 x.y.z）
type EngineVersionRequirement interface {
	MinEngineVersion() string
}

// ErrDuplicatePlugin 同名插件重复注册
var ErrDuplicatePlugin = errors.New("duplicate plugin")

// PluginManager 插件管理器，负责插件注册与钩子调度
type PluginManager struct {
	mu      sync.RWMutex
	engine  *Engine
	cfg     PluginConfig
	plugins []Plugin
	index   map[string]Plugin
}

func newPluginManager(engine *Engine, cfg PluginConfig) *PluginManager {
	return &PluginManager{
		engine: engine,
		cfg:    cfg,
		index:  make(map[string]Plugin),
	}
}

// Register 注册插件，并立即调用其 Init(engine)
func (pm *PluginManager) Register(p Plugin) error {
	if p == nil {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	logger := pm.engine.Logger()
	name := p.Name()

	if slices.Contains(pm.cfg.Disabled, name) {
		logger.Info("插件禁用，跳过注册", "name", name)
		return nil
	}
	if _, ok := pm.index[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	if err := pm.checkCompat(p); err != nil {
		return err
	}

	if err := p.Init(pm.engine); err != nil {
		logger.Error("插件初始化失败", "name", name, "error", err)
		return err
	}

	pm.plugins = append(pm.plugins, p)
	pm.index[name] = p
	logger.Info("插件注册成功", "name", name, "version", p.Version())
	return nil
}

// checkCompat 插件声明的最低引擎版本高于当前版本时告警，严格模式下拒绝注册
func (pm *PluginManager) checkCompat(p Plugin) error {
	req, ok := p.(EngineVersionRequirement)
	if !ok {
		return nil
	}
	minEngine := strings.TrimSpace(req.MinEngineVersion())
	if minEngine == "" {
		return nil
	}

	logger := pm.engine.Logger()
	current, err1 := semver.NewVersion(Version)
	constraint, err2 := semver.NewConstraint(">= " + minEngine)
	if err := errors.Join(err1, err2); err != nil {
		logger.Warn("版本字符串解析失败，继续注册", "name", p.Name(), "engine_version", Version, "required_min", minEngine, "error", err)
		return nil
	}
	if constraint.Check(current) {
		return nil
	}
	if pm.cfg.CompatStrict {
		logger.Error("插件与引擎版本不兼容，拒绝注册", "name", p.Name(), "engine_version", Version, "required_min", minEngine)
		return fmt.Errorf("engine version %s does not satisfy >= %s for plugin %s", Version, minEngine, p.Name())
	}
	logger.Warn("插件与引擎版本不兼容，继续注册", "name", p.Name(), "engine_version", Version, "required_min", minEngine)
	return nil
}

// List 返回已注册插件的快照
func (pm *PluginManager) List() []Plugin {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return slices.Clone(pm.plugins)
}

// Lookup 按名称查找插件
func (pm *PluginManager) Lookup(name string) (Plugin, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.index[name]
	return p, ok
}

func (pm *PluginManager) OnBeforeMount() {
	runHook(pm, "before_mount", true, func(p Plugin) (bool, error) {
		h, ok := p.(BeforeMountHook)
		if !ok {
			return false, nil
		}
		return true, h.OnBeforeMount(pm.engine)
	})
}

func (pm *PluginManager) OnAfterMount() {
	runHook(pm, "after_mount", true, func(p Plugin) (bool, error) {
		h, ok := p.(AfterMountHook)
		if !ok {
			return false, nil
		}
		return true, h.OnAfterMount(pm.engine)
	})
}

func (pm *PluginManager) OnBeforeServerStart() {
	runHook(pm, "before_server_start", true, func(p Plugin) (bool, error) {
		h, ok := p.(BeforeServerStartHook)
		if !ok {
			return false, nil
		}
		return true, h.OnBeforeServerStart(pm.engine)
	})
}

// OnShutdown 关闭阶段的失败只记录日志，不阻断后续插件
func (pm *PluginManager) OnShutdown() {
	runHook(pm, "shutdown", false, func(p Plugin) (bool, error) {
		h, ok := p.(ShutdownHook)
		if !ok {
			return false, nil
		}
		return true, h.OnShutdown(pm.engine)
	})
}

// runHook 依次执行插件钩子
// strict 阶段在 hook_failure_mode=error 时遇到失败（含 panic）直接 panic 终止启动
func runHook(pm *PluginManager, phase string, strict bool, call func(Plugin) (bool, error)) {
	abort := strict && strings.EqualFold(pm.cfg.HookFailureMode, "error")
	logger := pm.engine.Logger()

	for _, p := range pm.List() {
		start := time.Now()
		var (
			ran bool
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					ran, err = true, fmt.Errorf("panic: %v", r)
				}
			}()
			ran, err = call(p)
		}()
		if !ran {
			continue
		}
		if err != nil {
			if abort {
				logger.Error("插件钩子执行失败", "phase", phase, "name", p.Name(), "error", err)
				panic(fmt.Errorf("plugin %s failed in %s: %w", p.Name(), phase, err))
			}
			logger.Warn("插件钩子执行失败", "phase", phase, "name", p.Name(), "error", err)
		}
		logger.Info("插件钩子执行完成", "phase", phase, "name", p.Name(), "duration", FormatDuration(time.Since(start)))
	}
}
