package keeper

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// PoolConfig 协程池配置
type PoolConfig struct {
	Size             int           `mapstructure:"size"`               // 协程池大小
	ExpiryDuration   time.Duration `mapstructure:"expiry_duration"`    // 协程过期时间
	PreAlloc         bool          `mapstructure:"pre_alloc"`          // 是否预分配内存
	MaxBlockingTasks int           `mapstructure:"max_blocking_tasks"` // 最大阻塞任务数
	Nonblocking      bool          `mapstructure:"nonblocking"`        // 是否为非阻塞模式
}

// DefaultPoolConfig 返回默认协程池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:             10000,            // 默认池大小
		ExpiryDuration:   10 * time.Second, // 空闲协程回收间隔
		PreAlloc:         false,            // 按需分配，不预占队列内存
		MaxBlockingTasks: 10000,            // 默认最大阻塞任务数
		Nonblocking:      false,            // 默认阻塞模式
	}
}

// TaskRunner 任务提交抽象，*ants.Pool 即满足该接口
type TaskRunner interface {
	Submit(task func()) error
}

// poolSlogAdapter 是 slog.Logger 到 ants.Logger 的适配器
type poolSlogAdapter struct {
	Logger *slog.Logger
}

// Printf 实现 ants.Logger 接口
func (a *poolSlogAdapter) Printf(format string, args ...any) {
	a.Logger.Info(fmt.Sprintf(format, args...))
}

// newPool 根据配置创建协程池实例
// 参数:
//   - settings: 全局配置，读取其中的 pool 段
//   - logger: 日志记录器
//
// 初始化失败时直接 panic，协程池不可用时引擎无法启动
func newPool(settings *Settings, logger *slog.Logger) *ants.Pool {
	pool, err := initializePool(settings.Pool, logger)
	if err != nil {
		panic("初始化协程池失败: " + err.Error())
	}
	return pool
}

// initializePool 初始化协程池
func initializePool(config PoolConfig, logger *slog.Logger) (*ants.Pool, error) {
	// 协程池选项：日志与 panic 统一交给 slog
	options := []ants.Option{
		ants.WithExpiryDuration(config.ExpiryDuration),
		ants.WithPreAlloc(config.PreAlloc),
		ants.WithMaxBlockingTasks(config.MaxBlockingTasks),
		ants.WithNonblocking(config.Nonblocking),
		ants.WithLogger(&poolSlogAdapter{Logger: logger}),
		ants.WithPanicHandler(func(i any) {
			logger.Error("协程池任务发生panic", "error", i)
		}),
	}
	return ants.NewPool(config.Size, options...)
}

// runConcurrently 并发执行一组相互独立的任务并等待全部结束
//
// 任务优先提交到 runner；runner 为空或拒绝提交（过载、已关闭）时退化为独立 goroutine。
// 任一任务失败（含 panic）则整体失败，返回合并后的错误。
func runConcurrently(runner TaskRunner, tasks ...func() error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(tasks))

	for i, task := range tasks {
		wg.Add(1)
		run := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("并发任务异常: %v", r)
				}
			}()
			errs[i] = task()
		}
		// 提交失败时不丢任务
		if runner == nil || runner.Submit(run) != nil {
			go run()
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}
